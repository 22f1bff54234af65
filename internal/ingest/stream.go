package ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/formsuite/proctoring/pkg/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// recordFields is the feed representation of a record, shared by the JSON
// and protobuf encodings.
func recordFields(rec Record) map[string]any {
	v := map[string]any{
		"type":      string(rec.Violation.Kind),
		"timestamp": rec.Violation.OccurredAt.UTC().Format(types.TimestampLayout),
		"message":   rec.Violation.Message,
	}
	if rec.Violation.Confidence != nil {
		v["confidence"] = *rec.Violation.Confidence
	}
	return map[string]any{
		"id":         rec.ID,
		"formId":     rec.FormID,
		"receivedAt": rec.ReceivedAt.Format(types.TimestampLayout),
		"violation":  v,
	}
}

// encodeRecord serializes rec for one SSE data line. Protobuf payloads are
// a google.protobuf.Struct, base64 encoded for SSE transport.
func encodeRecord(rec Record, useProtobuf bool) ([]byte, error) {
	fields := recordFields(rec)
	if !useProtobuf {
		return json.Marshal(fields)
	}

	pbStruct, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(pbData)), nil
}

// handleStream is the live feed of newly ingested violations. formId
// narrows it to one form.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.reject(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)
	formID := r.URL.Query().Get("formId")

	id, recCh := h.store.Subscribe(formID)
	defer h.store.Unsubscribe(id)
	h.metrics.IngestStreamClient.Add(1)
	defer h.metrics.IngestStreamClient.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(h.refresh)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-recCh:
			if !ok {
				return
			}
			data, err := encodeRecord(rec, useProtobuf)
			if err != nil {
				h.logger.Error("encode feed record", zap.String("id", rec.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.logger.Debug("feed client disconnected", zap.Error(err))
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				h.logger.Debug("feed client disconnected", zap.Error(err))
				return
			}
		}
		flusher.Flush()
	}
}
