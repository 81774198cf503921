package proxy

import (
	"context"
	"io"
	"net/http"
)

// streamQueueCap bounds the byte queue between the upstream pump and the
// client writer. Backpressure on a slow client throttles the upstream read;
// a stalled save RPC never blocks the write path.
const streamQueueCap = 16

// streamReadBufSize is the chunk size for upstream reads.
const streamReadBufSize = 32 * 1024

// dispatchStream handles the streaming path. The upstream call is detached
// from the client context: the pump owns persistence and release, and must
// finish them even when the client goes away mid-stream.
func (h *Handler) dispatchStream(w http.ResponseWriter, r *http.Request, call *chatCall, handoff *bool) {
	be := h.clients[call.g.Backend]

	resp, err := be.ChatCompletionsStream(context.WithoutCancel(r.Context()), call.body, call.g.Slot)
	if err != nil {
		h.slots.Release(call.g)
		call.logger.Error().Err(err).Msg("stream dispatch failed")
		h.finish(call, http.StatusInternalServerError)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		h.slots.Release(call.g)
		if readErr != nil {
			call.logger.Error().Err(readErr).Msg("failed to read upstream error body")
		}
		call.logger.Warn().Int("status", resp.StatusCode).Msg("upstream rejected stream start")
		h.finish(call, resp.StatusCode)
		writeJSONError(w, resp.StatusCode, string(errBody))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// From here the pump owns the slot; the handler's deferred release must
	// stand down.
	*handoff = true
	queue := make(chan []byte, streamQueueCap)
	go h.pumpUpstream(resp, call, queue)

	h.relayToClient(w, queue, call)
}

// pumpUpstream reads raw upstream bytes into the queue and runs the terminal
// actions on every exit path, in order: close upstream, save (if big), write
// meta (if big), release the slot, enqueue the sentinel by closing the
// queue. None of these depend on the client-side consumer still reading.
func (h *Handler) pumpUpstream(resp *http.Response, call *chatCall, queue chan<- []byte) {
	defer close(queue)

	defer func() {
		_ = resp.Body.Close()
		if call.isBig {
			h.persist(call)
		}
		h.slots.Release(call.g)
		h.finish(call, http.StatusOK)
		call.logger.Info().Bool("saved", call.rec.Saved).Msg("stream done")
	}()

	defer func() {
		if rec := recover(); rec != nil {
			call.logger.Error().Interface("panic", rec).Msg("stream pump panicked")
		}
	}()

	buf := make([]byte, streamReadBufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			queue <- chunk
		}
		if err != nil {
			if err != io.EOF {
				call.logger.Warn().Err(err).Msg("upstream stream ended with error")
			}
			return
		}
	}
}

// relayToClient is pure transport: it writes queue chunks to the client until
// the sentinel. After a client write fails it keeps draining the queue so the
// pump never blocks on a dead consumer.
func (h *Handler) relayToClient(w http.ResponseWriter, queue <-chan []byte, call *chatCall) {
	flusher, _ := w.(http.Flusher)

	clientGone := false
	for chunk := range queue {
		if clientGone {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			call.logger.Info().Err(err).Msg("client went away mid-stream; draining upstream")
			clientGone = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
