package store

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/seekr/internal/download"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/sirupsen/logrus"
)

// recorded are the download events persisted to history. Progress is left
// out; the terminal event carries the final byte count.
var recorded = []events.Name{
	events.DownloadStarted,
	events.DownloadCompleted,
	events.DownloadFailed,
	events.DownloadCancelled,
}

// Recorder writes download lifecycle events to a TransferRepository.
type Recorder struct {
	repo   TransferRepository
	logger *logrus.Logger
	offs   []func()
}

// NewRecorder subscribes to em and returns the recorder. Call Stop to
// unsubscribe.
func NewRecorder(repo TransferRepository, em *events.Emitter, log *logrus.Logger) *Recorder {
	r := &Recorder{repo: repo, logger: log}
	for _, name := range recorded {
		r.offs = append(r.offs, em.On(name, r.record))
	}
	return r
}

func (r *Recorder) record(ev events.Event) error {
	snap, ok := ev.Data.(download.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", ev.Name, ev.Data)
	}
	if err := r.repo.Save(context.Background(), snap); err != nil {
		r.logger.Errorf("Failed to record %s for %s: %v", ev.Name, snap.ID, err)
		return err
	}
	return nil
}

func (r *Recorder) Stop() {
	for _, off := range r.offs {
		off()
	}
	r.offs = nil
}
