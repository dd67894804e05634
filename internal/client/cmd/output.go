package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/seekr/internal/download"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// output writes human readable text, or one JSON object per event.
type output struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newOutput(w io.Writer, json bool) *output {
	return &output{w: w, json: json}
}

func (o *output) printf(format string, args ...any) {
	if o.json {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

// event is an events.Handler printing ev as a JSON line.
func (o *output) event(ev events.Event) error {
	line, err := eventJSON(ev)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err = fmt.Fprintln(o.w, string(line))
	return err
}

func eventJSON(ev events.Event) ([]byte, error) {
	fields := map[string]any{
		"event": string(ev.Name),
		"time":  ev.Time.Format(time.RFC3339Nano),
	}
	if data := eventData(ev.Data); data != nil {
		fields["data"] = data
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Name, err)
	}
	return protojson.Marshal(s)
}

func eventData(data any) any {
	switch d := data.(type) {
	case nil:
		return nil
	case download.Snapshot:
		return snapshotFields(d)
	case search.Result:
		return resultFields(d)
	case error:
		return d.Error()
	case string:
		return d
	default:
		return fmt.Sprint(d)
	}
}

func snapshotFields(s download.Snapshot) map[string]any {
	m := map[string]any{
		"id":             s.ID,
		"user":           s.User,
		"remote_path":    s.RemotePath,
		"destination":    s.Destination,
		"status":         s.Status.String(),
		"bytes_received": s.BytesReceived,
		"total_bytes":    s.TotalBytes,
		"rate":           s.Rate,
	}
	if s.Err != nil {
		m["error"] = s.Err.Error()
	}
	return m
}

func resultFields(r search.Result) map[string]any {
	files := make([]any, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, map[string]any{"filename": f.Filename, "size": f.Size})
	}
	m := map[string]any{
		"query":  r.Query,
		"user":   r.User,
		"folder": r.Folder,
		"files":  files,
	}
	if r.Host != "" {
		m["host"] = r.Host
		m["port"] = r.Port
	}
	return m
}

func (o *output) result(r search.Result) {
	o.printf("%s  %s/  (%d files)\n", r.User, r.Folder, len(r.Files))
	for _, f := range r.Files {
		o.printf("    %-40s %10s\n", f.Filename, humanize.Bytes(uint64(max(f.Size, 0))))
	}
}

func (o *output) finished(s download.Snapshot) {
	switch s.Status {
	case download.Completed:
		o.printf("%s: %s in %s\n", s.RemotePath, humanize.Bytes(uint64(s.BytesReceived)), s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	case download.Cancelled:
		o.printf("%s: cancelled after %s\n", s.RemotePath, humanize.Bytes(uint64(s.BytesReceived)))
	default:
		o.printf("%s: %v\n", s.RemotePath, s.Err)
	}
}
