package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/ag-relayer/internal/sse"
	"github.com/yansir/ag-relayer/internal/store"
	"github.com/yansir/ag-relayer/internal/translate"
)

const streamReadBufferSize = 32 * 1024

// ChatCompletions serves POST /v1/chat/completions.
func (r *Relay) ChatCompletions(w http.ResponseWriter, req *http.Request) {
	var chatReq translate.ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&chatReq); err != nil {
		writeError(w, DialectOpenAI, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if chatReq.Model == "" {
		writeError(w, DialectOpenAI, http.StatusBadRequest, "model is required")
		return
	}

	requestID := "req_" + uuid.NewString()
	w.Header().Set("x-request-id", requestID)

	build := func(project string) *translate.Envelope {
		return translate.OpenAIToUpstream(&chatReq, project)
	}

	if chatReq.Stream {
		r.streamOpenAI(w, req, requestID, chatReq.Model, build)
		return
	}
	r.unaryOpenAI(w, req, requestID, chatReq.Model, build)
}

// Messages serves POST /v1/messages.
func (r *Relay) Messages(w http.ResponseWriter, req *http.Request) {
	var msgReq translate.MessagesRequest
	if err := json.NewDecoder(req.Body).Decode(&msgReq); err != nil {
		writeError(w, DialectAnthropic, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msgReq.Model == "" {
		writeError(w, DialectAnthropic, http.StatusBadRequest, "model is required")
		return
	}

	requestID := "req_" + uuid.NewString()
	w.Header().Set("x-request-id", requestID)

	build := func(project string) *translate.Envelope {
		return translate.AnthropicToUpstream(&msgReq, project)
	}

	if msgReq.Stream {
		r.streamAnthropic(w, req, requestID, msgReq.Model, build)
		return
	}
	r.unaryAnthropic(w, req, requestID, msgReq.Model, build)
}

// --- Unary ---

func (r *Relay) unaryOpenAI(w http.ResponseWriter, req *http.Request, requestID, model string, build func(string) *translate.Envelope) {
	start := time.Now()
	resp, accountID, err := r.dispatchUnary(req.Context(), model, build)
	if err != nil {
		status := r.writeDispatchError(w, DialectOpenAI, err)
		r.record(&store.RequestLog{
			RequestID: requestID, AccountID: accountID, Dialect: string(DialectOpenAI),
			Model: model, Status: status, DurationMs: time.Since(start).Milliseconds(),
			Error: err.Error(),
		})
		return
	}

	out := translate.OpenAIFromUpstream(resp, model)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("openai-processing-ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	json.NewEncoder(w).Encode(out)

	l := &store.RequestLog{
		RequestID: requestID, AccountID: accountID, Dialect: string(DialectOpenAI),
		Model: model, Status: http.StatusOK, DurationMs: time.Since(start).Milliseconds(),
	}
	if out.Usage != nil {
		l.InputTokens = out.Usage.PromptTokens
		l.OutputTokens = out.Usage.CompletionTokens
	}
	r.record(l)
}

func (r *Relay) unaryAnthropic(w http.ResponseWriter, req *http.Request, requestID, model string, build func(string) *translate.Envelope) {
	start := time.Now()
	resp, accountID, err := r.dispatchUnary(req.Context(), model, build)
	if err != nil {
		status := r.writeDispatchError(w, DialectAnthropic, err)
		r.record(&store.RequestLog{
			RequestID: requestID, AccountID: accountID, Dialect: string(DialectAnthropic),
			Model: model, Status: status, DurationMs: time.Since(start).Milliseconds(),
			Error: err.Error(),
		})
		return
	}

	out := translate.AnthropicFromUpstream(resp, model)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)

	r.record(&store.RequestLog{
		RequestID: requestID, AccountID: accountID, Dialect: string(DialectAnthropic),
		Model: model, Status: http.StatusOK, DurationMs: time.Since(start).Milliseconds(),
		InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens,
	})
}

// --- Streaming ---

func (r *Relay) streamOpenAI(w http.ResponseWriter, req *http.Request, requestID, model string, build func(string) *translate.Envelope) {
	start := time.Now()
	body, accountID, err := r.dispatchStream(req.Context(), model, build)
	if err != nil {
		status := r.writeDispatchError(w, DialectOpenAI, err)
		r.record(&store.RequestLog{
			RequestID: requestID, AccountID: accountID, Dialect: string(DialectOpenAI),
			Model: model, Stream: true, Status: status,
			DurationMs: time.Since(start).Milliseconds(), Error: err.Error(),
		})
		return
	}
	defer body.Close()

	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	stream := translate.NewOpenAIStream(model)
	l := &store.RequestLog{
		RequestID: requestID, AccountID: accountID, Dialect: string(DialectOpenAI),
		Model: model, Stream: true, Status: http.StatusOK,
	}

	emit := func(chunk *translate.ChatCompletionChunk) {
		if chunk == nil {
			return
		}
		if chunk.Usage != nil {
			l.InputTokens = chunk.Usage.PromptTokens
			l.OutputTokens = chunk.Usage.CompletionTokens
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	err = r.pump(req, body, func(resp *translate.GenerateResponse) {
		emit(stream.Next(resp))
	})
	switch {
	case err == nil:
		emit(stream.Finish())
		fmt.Fprint(w, "data: [DONE]\n\n")
	case isClientGone(err):
		l.Error = "client disconnected"
	default:
		w.Write(sseErrorEvent(DialectOpenAI, http.StatusBadGateway, "upstream stream failed"))
		l.Error = err.Error()
	}
	if flusher != nil {
		flusher.Flush()
	}

	l.DurationMs = time.Since(start).Milliseconds()
	r.record(l)
}

func (r *Relay) streamAnthropic(w http.ResponseWriter, req *http.Request, requestID, model string, build func(string) *translate.Envelope) {
	start := time.Now()
	body, accountID, err := r.dispatchStream(req.Context(), model, build)
	if err != nil {
		status := r.writeDispatchError(w, DialectAnthropic, err)
		r.record(&store.RequestLog{
			RequestID: requestID, AccountID: accountID, Dialect: string(DialectAnthropic),
			Model: model, Stream: true, Status: status,
			DurationMs: time.Since(start).Milliseconds(), Error: err.Error(),
		})
		return
	}
	defer body.Close()

	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	stream := translate.NewAnthropicStream(model)
	l := &store.RequestLog{
		RequestID: requestID, AccountID: accountID, Dialect: string(DialectAnthropic),
		Model: model, Stream: true, Status: http.StatusOK,
	}

	emit := func(evs []translate.StreamEvent) {
		for _, ev := range evs {
			data, _ := json.Marshal(ev.Data)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
		}
		if len(evs) > 0 && flusher != nil {
			flusher.Flush()
		}
	}

	err = r.pump(req, body, func(resp *translate.GenerateResponse) {
		if u := resp.UsageMetadata; u != nil {
			if u.PromptTokenCount > 0 {
				l.InputTokens = u.PromptTokenCount
			}
			if u.CandidatesTokenCount > 0 {
				l.OutputTokens = u.CandidatesTokenCount
			}
		}
		emit(stream.Next(resp))
	})
	switch {
	case err == nil:
		emit(stream.Finish())
	case isClientGone(err):
		l.Error = "client disconnected"
	default:
		w.Write(sseErrorEvent(DialectAnthropic, http.StatusBadGateway, "upstream stream failed"))
		l.Error = err.Error()
	}
	if flusher != nil {
		flusher.Flush()
	}

	l.DurationMs = time.Since(start).Milliseconds()
	r.record(l)
}

// pump reads the upstream SSE body, frames it, and hands every parseable
// chunk to sink. Malformed chunks are logged and skipped. Returns nil on
// normal end of stream; a client cancel surfaces as the request context's
// error so callers stop writing to the dead connection.
func (r *Relay) pump(req *http.Request, body io.Reader, sink func(*translate.GenerateResponse)) error {
	framer := sse.NewFramer()
	buf := make([]byte, streamReadBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, payload := range framer.Feed(buf[:n]) {
				resp, perr := translate.ParseResponse([]byte(payload))
				if perr != nil {
					slog.Warn("skipping malformed stream chunk", "error", perr)
					continue
				}
				sink(resp)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if cerr := req.Context().Err(); cerr != nil {
				return cerr
			}
			return err
		}
	}
}

func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}
