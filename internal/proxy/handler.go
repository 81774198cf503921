package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neshat73/proxycache/internal/backend"
	"github.com/neshat73/proxycache/internal/config"
	"github.com/neshat73/proxycache/internal/hashing"
	"github.com/neshat73/proxycache/internal/meta"
	"github.com/neshat73/proxycache/internal/metrics"
	"github.com/neshat73/proxycache/internal/slot"
	"github.com/neshat73/proxycache/internal/store"
	"github.com/neshat73/proxycache/internal/tokenizer"
)

// Handler serves the chat-completion lifecycle: hash the prompt, pick a
// restore candidate, acquire a slot, dispatch, persist, release.
type Handler struct {
	cfg       *config.Config
	clients   []*backend.Client
	slots     *slot.Manager
	meta      *meta.Store
	logger    zerolog.Logger
	collector *metrics.Collector
	store     *store.Store // may be nil; the request log is optional
	tok       *tokenizer.Tokenizer
}

// NewHandler wires the handler. st may be nil to disable the request log.
func NewHandler(
	cfg *config.Config,
	clients []*backend.Client,
	slots *slot.Manager,
	metaStore *meta.Store,
	logger zerolog.Logger,
	collector *metrics.Collector,
	st *store.Store,
	tok *tokenizer.Tokenizer,
) *Handler {
	return &Handler{
		cfg:       cfg,
		clients:   clients,
		slots:     slots,
		meta:      metaStore,
		logger:    logger,
		collector: collector,
		store:     st,
		tok:       tok,
	}
}

// chatCall carries one in-flight request through dispatch and persistence.
type chatCall struct {
	g       slot.GSlot
	key     string
	modelID string
	prefix  string
	blocks  []string
	isBig   bool
	body    map[string]interface{}
	rec     *store.Request
	start   time.Time
	logger  zerolog.Logger
}

// HandleModels advertises the configured model id to clients.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": []map[string]interface{}{{"id": h.cfg.ModelID}},
	})
}

// HandleHealth returns a simple JSON health check response.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandleStats summarizes the request log.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSONError(w, http.StatusNotFound, "request log disabled")
		return
	}
	sum, err := h.store.Summarize()
	if err != nil {
		h.logger.Error().Err(err).Msg("stats query failed")
		writeJSONError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sum)
}

// HandleChat runs one POST /v1/chat/completions request end to end.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()

	h.collector.IncrementActive()
	defer h.collector.DecrementActive()

	logger := h.logger.With().Str("request_id", requestID).Logger()

	if h.cfg.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		logger.Error().Err(err).Msg("failed to read request body")
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	messages, _ := data["messages"].([]interface{})
	streamReq, _ := data["stream"].(bool)
	model, _ := data["model"].(string)
	if model == "" {
		model = h.cfg.ModelID
	}

	be := h.clients[0]
	modelID, err := be.ModelID(r.Context())
	if err != nil {
		// Keying falls back to the advertised id; a dead backend surfaces on
		// the chat call itself.
		logger.Warn().Err(err).Msg("backend model discovery failed")
		modelID = h.cfg.ModelID
	}

	prefix := hashing.RawPrefix(messages)
	key := hashing.PrefixKey(modelID, prefix)
	blocks := hashing.BlockHashes(prefix, h.cfg.WordsPerBlock)
	nWords := len(hashing.Words(prefix))
	isBig := nWords > h.cfg.BigThresholdWords

	logger = logger.With().
		Str("key", shortKey(key)).
		Bool("stream", streamReq).
		Bool("big", isBig).
		Logger()

	restoreKey := ""
	matchRatio := 0.0
	if isBig {
		if cand, ok := hashing.FindBestRestoreCandidate(h.meta, blocks, h.cfg.WordsPerBlock, h.cfg.LCPThreshold, modelID); ok {
			restoreKey = cand.Key
			matchRatio = cand.Ratio
			logger.Info().Str("candidate", shortKey(cand.Key)).Float64("ratio", cand.Ratio).Msg("restore candidate")
		} else {
			logger.Info().Msg("restore candidate none")
		}
	}

	acquireCtx, cancel := context.WithTimeout(r.Context(), h.cfg.AcquireTimeoutDuration())
	defer cancel()

	waitStart := time.Now()
	g, restored, err := h.slots.AcquireForRequest(acquireCtx, restoreKey)
	h.collector.ObserveSlotWait(time.Since(waitStart))
	if err != nil {
		logger.Warn().Err(err).Msg("slot acquisition timed out")
		h.collector.RecordRequest(streamReq, isBig, http.StatusServiceUnavailable, time.Since(start))
		writeJSONError(w, http.StatusServiceUnavailable, "all slots busy, please retry later")
		return
	}
	if restoreKey != "" {
		h.collector.RecordRestore(restored)
	}

	// Every acquire gets exactly one release. Sync paths release inline and
	// this deferred release degrades to a no-op; the streaming path hands
	// ownership to the pump, whose terminal block releases instead.
	handoff := false
	defer func() {
		if !handoff {
			h.slots.Release(g)
		}
	}()

	logger.Info().Stringer("g", g).Str("restore_target", shortKey(restoreKey)).Msg("dispatch")

	call := &chatCall{
		g:       g,
		key:     key,
		modelID: modelID,
		prefix:  prefix,
		blocks:  blocks,
		isBig:   isBig,
		body:    buildUpstreamBody(data, model, isBig),
		start:   start,
		logger:  logger,
		rec: &store.Request{
			ID:         requestID,
			Timestamp:  start.UTC().Format(time.RFC3339),
			Model:      model,
			CacheKey:   key,
			NWords:     nWords,
			Big:        isBig,
			Stream:     streamReq,
			Restored:   restored,
			RestoreKey: restoreKey,
			MatchRatio: matchRatio,
			BackendID:  g.Backend,
			SlotID:     g.Slot,
			TokensEst:  h.tokensEstimate(prefix),
		},
	}

	if streamReq {
		h.dispatchStream(w, r, call, &handoff)
		return
	}
	h.dispatchBuffered(w, r, call)
}

// dispatchBuffered handles the non-streaming path: forward, persist if big,
// release, answer.
func (h *Handler) dispatchBuffered(w http.ResponseWriter, r *http.Request, call *chatCall) {
	be := h.clients[call.g.Backend]

	out, err := be.ChatCompletions(r.Context(), call.body, call.g.Slot)
	if err != nil {
		h.slots.Release(call.g)

		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			call.logger.Warn().Int("status", httpErr.StatusCode).Msg("upstream rejected chat")
			h.finish(call, httpErr.StatusCode)
			mirrorUpstreamError(w, httpErr)
			return
		}

		call.logger.Error().Err(err).Msg("chat dispatch failed")
		h.finish(call, http.StatusInternalServerError)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	obj, ok := out.(map[string]interface{})
	if !ok {
		h.slots.Release(call.g)
		call.logger.Warn().Msg("upstream returned non-JSON body")
		h.finish(call, http.StatusBadGateway)
		writeJSONError(w, http.StatusBadGateway, "provider non-JSON body")
		return
	}

	if call.isBig {
		h.persist(call)
	}
	h.slots.Release(call.g)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		call.logger.Error().Err(err).Msg("failed to write response body")
	}

	h.finish(call, http.StatusOK)
	call.logger.Info().
		Bool("saved", call.rec.Saved).
		Dur("latency", time.Since(call.start)).
		Msg("json done")
}

// persist saves the slot's KV state and commits the metadata record. Both
// are best-effort: failures are logged and never alter the client response.
// The save RPC runs detached from the client connection because it may move
// gigabytes after the response has already ended.
func (h *Handler) persist(call *chatCall) {
	saved := h.slots.SaveAfter(context.Background(), call.g, call.key)
	h.collector.RecordSave(saved)
	call.rec.Saved = saved
	if !saved {
		call.logger.Warn().Stringer("g", call.g).Msg("save rpc failed; slot marked used anyway")
	}

	rec := meta.Record{
		Key:       call.key,
		ModelID:   call.modelID,
		PrefixLen: len(call.prefix),
		WPB:       h.cfg.WordsPerBlock,
		Blocks:    call.blocks,
	}
	if err := h.meta.Write(rec); err != nil {
		call.logger.Warn().Err(err).Msg("meta write failed")
	}
}

// finish records metrics and the request-log row.
func (h *Handler) finish(call *chatCall, status int) {
	dur := time.Since(call.start)
	h.collector.RecordRequest(call.rec.Stream, call.isBig, status, dur)

	call.rec.Status = status
	call.rec.LatencyMs = dur.Milliseconds()
	if h.store != nil {
		if err := h.store.InsertRequest(call.rec); err != nil {
			call.logger.Warn().Err(err).Msg("request log insert failed")
		}
	}
}

// tokensEstimate sizes the prompt for the request log. Without a tokenizer
// the chars/4 heuristic stands in.
func (h *Handler) tokensEstimate(text string) int {
	if h.tok == nil {
		return len(text) / 4
	}
	return h.tok.Count(text)
}

// buildUpstreamBody copies the client body and applies the cache overrides.
// Unknown fields pass through untouched; the slot pin is added by the
// backend client.
func buildUpstreamBody(data map[string]interface{}, model string, isBig bool) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	out["model"] = model
	out["cache_prompt"] = isBig
	out["n_keep"] = -1

	opts := make(map[string]interface{})
	if prev, ok := out["options"].(map[string]interface{}); ok {
		for k, v := range prev {
			opts[k] = v
		}
	}
	opts["cache_prompt"] = isBig
	opts["n_keep"] = -1
	out["options"] = opts

	return out
}

// mirrorUpstreamError propagates a non-2xx upstream status and body.
func mirrorUpstreamError(w http.ResponseWriter, httpErr *backend.HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.StatusCode)
	if len(httpErr.Body) > 0 {
		_, _ = w.Write(httpErr.Body)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": httpErr.Error()})
}

// writeJSONError writes a JSON error response with the given status code and
// message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
