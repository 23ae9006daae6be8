// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/lib/pq"

	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

const (
	listenMinReconnect = 1 * time.Second
	listenMaxReconnect = 30 * time.Second
)

// Postgres implements Repository on a database/sql handle backed by lib/pq.
type Postgres struct {
	logger logr.Logger
	db     *sql.DB
	table  string
}

// NewPostgres wraps an open database handle. The caller owns db's lifecycle.
func NewPostgres(logger logr.Logger, db *sql.DB, table string) *Postgres {
	return &Postgres{
		logger: logger.WithName("store"),
		db:     db,
		table:  table,
	}
}

func (p *Postgres) InsertSamples(ctx context.Context, snapshots []pipeline.RateSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (entity_id, source, path, depth, ts, rates, gauges) VALUES ")

	args := make([]any, 0, len(snapshots)*7)
	for i, s := range snapshots {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6, len(args)+7))

		rates, err := json.Marshal(s.Rates)
		if err != nil {
			return fmt.Errorf("marshal rates: %w", err)
		}
		gauges, err := json.Marshal(s.Gauges)
		if err != nil {
			return fmt.Errorf("marshal gauges: %w", err)
		}

		args = append(args,
			s.EntityID,
			string(s.Source),
			s.Path,
			s.Depth,
			time.UnixMilli(s.Timestamp),
			rates,
			gauges,
		)
	}

	b.WriteString(" ON CONFLICT (entity_id, ts) DO NOTHING")

	if _, err := p.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	return nil
}

func (p *Postgres) Latest(ctx context.Context, source pipeline.SourceKind) ([]pipeline.RateSnapshot, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT ON (entity_id) entity_id, path, depth, ts, rates, gauges FROM %s WHERE source = $1 ORDER BY entity_id, ts DESC",
		p.table)

	rows, err := p.db.QueryContext(ctx, query, string(source))
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RateSnapshot
	for rows.Next() {
		var (
			s      pipeline.RateSnapshot
			ts     time.Time
			rates  []byte
			gauges []byte
		)
		if err := rows.Scan(&s.EntityID, &s.Path, &s.Depth, &ts, &rates, &gauges); err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}
		s.Source = source
		s.Timestamp = ts.UnixMilli()
		if err := json.Unmarshal(rates, &s.Rates); err != nil {
			return nil, fmt.Errorf("unmarshal rates for %s: %w", s.EntityID, err)
		}
		if err := json.Unmarshal(gauges, &s.Gauges); err != nil {
			return nil, fmt.Errorf("unmarshal gauges for %s: %w", s.EntityID, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest: %w", err)
	}
	return out, nil
}

func (p *Postgres) Setting(ctx context.Context, name string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE name = $1", name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read setting %q: %w", name, err)
	}
	return value, nil
}

var _ Repository = (*Postgres)(nil)

// PQListener implements Listener on lib/pq's LISTEN/NOTIFY support. The pq
// listener maintains its own dedicated connection and reconnects internally,
// announcing a completed reconnect with a nil notification. Notifications
// sent during the gap are lost, so a reconnect ends the delivered stream:
// the consumer must call Listen again and reload full state.
type PQListener struct {
	logger   logr.Logger
	listener *pq.Listener
}

// NewPQListener opens a dedicated notification connection.
func NewPQListener(logger logr.Logger, conninfo string) *PQListener {
	l := &PQListener{logger: logger.WithName("pq-listener")}
	l.listener = pq.NewListener(conninfo, listenMinReconnect, listenMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Error(err, "listener connection event", "event", ev)
			}
		})
	return l
}

func (l *PQListener) Listen(ctx context.Context, channel string) (<-chan Event, error) {
	// A re-Listen after a reconnect finds the channel already open; that is
	// the expected resume path, not an error.
	if err := l.listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return nil, fmt.Errorf("listen %q: %w", channel, err)
	}

	out := make(chan Event)
	go l.forward(ctx, l.listener.Notify, out)
	return out, nil
}

// forward copies notifications onto out until ctx is done, the raw channel
// closes, or pq reports an internal reconnect. The reconnect case closes out:
// anything NOTIFYed while the connection was down never arrived, and only the
// consumer can repair that by reloading state.
func (l *PQListener) forward(ctx context.Context, raw <-chan *pq.Notification, out chan<- Event) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-raw:
			if !ok {
				return
			}
			if n == nil {
				l.logger.V(1).Info("connection re-established, ending stream for a full reload")
				return
			}
			select {
			case out <- Event{Channel: n.Channel, Payload: n.Extra}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *PQListener) Close() error {
	return l.listener.Close()
}

var _ Listener = (*PQListener)(nil)
