package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type errorFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// DocFrame is a document as sent to the browser.
type DocFrame struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	Exists    bool            `json:"exists"`
	Version   int64           `json:"version"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func DocFrameOf(s store.Snapshot) DocFrame {
	f := DocFrame{
		ID:      s.ID,
		Path:    s.Path,
		Exists:  s.Exists,
		Version: s.Version,
		Data:    s.Raw(),
	}
	if s.Exists {
		at := s.CreatedAt
		f.CreatedAt = &at
	}
	return f
}

type snapshotFrame struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Doc  DocFrame `json:"doc"`
}

type changeFrame struct {
	Type   string           `json:"type"`
	ID     string           `json:"id"`
	Change store.ChangeType `json:"change"`
	Doc    DocFrame         `json:"doc"`
}

func (ctl *SignalWSController) handleWatch(
	ctx context.Context,
	cid core.ClientID,
	conn *WsSignalConn,
	data []byte,
) {
	type watchPayload struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Path string `json:"path"`
	}
	var p watchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad watch payload")
		ctl.sendError(conn, "", "bad_payload")
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var (
		l   store.Listener
		err error
	)
	if store.IsDocument(p.Path) {
		l, err = ctl.Store.OnSnapshot(ctx, p.Path, func(s store.Snapshot) {
			ctl.sendJSON(conn, snapshotFrame{Type: "snapshot", ID: p.ID, Doc: DocFrameOf(s)})
		})
	} else {
		l, err = ctl.Store.OnChanges(ctx, p.Path, func(ch store.Change) {
			ctl.sendJSON(conn, changeFrame{Type: "change", ID: p.ID, Change: ch.Type, Doc: DocFrameOf(ch.Doc)})
		})
	}
	if err != nil {
		reason := "watch_failed"
		if errors.Is(err, store.ErrInvalidPath) {
			reason = "invalid_path"
		}
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(cid)).Str("path", p.Path).Msg("watch")
		ctl.sendError(conn, p.ID, reason)
		return
	}

	if !ctl.Registry.AddWatch(cid, p.ID, p.Path, l) {
		l.Close()
		ctl.sendError(conn, p.ID, "watch_id_taken")
		return
	}
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Path string `json:"path"`
	}{"watching", p.ID, p.Path})
}

func (ctl *SignalWSController) handleUnwatch(
	cid core.ClientID,
	conn *WsSignalConn,
	data []byte,
) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		ctl.sendError(conn, "", "bad_payload")
		return
	}
	if !ctl.Registry.RemoveWatch(cid, p.ID) {
		ctl.sendError(conn, p.ID, "unknown_watch")
		return
	}
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}{"unwatched", p.ID})
}
