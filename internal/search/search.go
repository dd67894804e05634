// Package search runs time-boxed searches against the directory server.
package search

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/dispatch"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
)

const DefaultTimeout = 30 * time.Second

type File struct {
	Filename string
	Size     int64
	// BitRate and Duration are zero when the reply does not carry them.
	BitRate  int
	Duration time.Duration
}

type Result struct {
	Query  string
	User   string
	Folder string
	Files  []File
	// Host and Port locate the peer when known.
	Host string
	Port int
	// RawPayload is the undecoded reply, for fields this client does not
	// parse. Simulated results have none.
	RawPayload []byte
}

// Conn is the part of the session a search needs.
type Conn interface {
	Subscribe(code protocol.Code, h dispatch.Handler) func()
	Send(code protocol.Code, payload []byte) error
}

type Manager struct {
	conn   Conn
	codes  protocol.Codes
	events *events.Emitter
	logger *logrus.Logger
}

func NewManager(conn Conn, codes protocol.Codes, em *events.Emitter, log *logrus.Logger) *Manager {
	if log == nil {
		log = logger.NewLogger()
	}
	if em == nil {
		em = events.New(events.Options{Logger: log})
	}
	return &Manager{conn: conn, codes: codes, events: em, logger: log}
}

// Search returns a stream of results for query. Nothing is sent until the
// first call to Next.
func (m *Manager) Search(query string, timeout time.Duration) *Stream {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := newStream(query, timeout)
	s.start = func() (func(), error) {
		unsubscribe := m.conn.Subscribe(m.codes.SearchResult, func(msg protocol.Message) error {
			m.handleReply(s, msg)
			return nil
		})
		m.logger.Infof("Searching for %q (timeout %s)", query, timeout)
		if err := m.conn.Send(m.codes.SearchRequest, protocol.SearchPayload(query)); err != nil {
			unsubscribe()
			return nil, fmt.Errorf("sending search request: %w", err)
		}
		return unsubscribe, nil
	}
	return s
}

func (m *Manager) handleReply(s *Stream, msg protocol.Message) {
	reply, err := protocol.DecodeSearchReply(msg.Payload)
	if err != nil {
		m.logger.Warnf("Dropping malformed search result: %v", err)
		m.events.Logf("failed to decode search result: %v", err)
		return
	}
	if !sameQuery(reply.Query, s.query) {
		return
	}

	r := Result{
		Query:      reply.Query,
		User:       reply.User,
		Folder:     reply.Folder,
		Files:      make([]File, 0, len(reply.Files)),
		RawPayload: bytes.Clone(msg.Payload),
	}
	for _, f := range reply.Files {
		r.Files = append(r.Files, File{Filename: f.Name, Size: int64(f.Size)})
	}

	if s.push(r) {
		m.events.Emit(events.SearchResult, r)
	}
}

func sameQuery(a, b string) bool {
	// a Caser keeps state and is not safe for concurrent use
	fold := cases.Fold()
	return fold.String(a) == fold.String(b)
}

// Collect drains the stream into a slice.
func Collect(ctx context.Context, s *Stream) ([]Result, error) {
	defer s.Close()
	var results []Result
	for s.Next(ctx) {
		results = append(results, s.Result())
	}
	return results, s.Err()
}
