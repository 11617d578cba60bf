package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"directlink/activity"
	"directlink/models"
	"directlink/radio"
)

// slotKey identifies one transfer slot. At most one request may be
// outstanding per slot.
type slotKey struct {
	kind models.TransferKind
	dir  models.Direction
}

// TransferRequest is an outstanding transfer. It is resolved exactly once,
// by its radio completion, its timeout or the connection leaving Connected.
type TransferRequest struct {
	ID        string
	Kind      models.TransferKind
	Direction models.Direction
	Target    string
	Issued    time.Time

	cancel   context.CancelFunc
	timer    *time.Timer
	reply    func(models.MetaInfo, error)
	resolved bool
}

func (r *TransferRequest) op() string {
	return string(r.Direction) + " " + string(r.Kind)
}

func (r *TransferRequest) key() slotKey {
	return slotKey{kind: r.Kind, dir: r.Direction}
}

func (r *TransferRequest) status() TransferStatus {
	return TransferStatus{
		ID:        r.ID,
		Kind:      r.Kind,
		Direction: r.Direction,
		Target:    r.Target,
		Issued:    r.Issued,
	}
}

func sortTransfers(statuses []TransferStatus) {
	sort.Slice(statuses, func(i, j int) bool {
		if !statuses[i].Issued.Equal(statuses[j].Issued) {
			return statuses[i].Issued.Before(statuses[j].Issued)
		}
		return statuses[i].ID < statuses[j].ID
	})
}

type transferVerb func(ctx context.Context, transferID string) (models.MetaInfo, error)

type transferCoordinator struct {
	c *Coordinator
	s *Session
}

func (t *transferCoordinator) begin(kind models.TransferKind, dir models.Direction, target string, verb transferVerb, reply func(models.MetaInfo, error)) {
	op := string(dir) + " " + string(kind)

	if t.s.state != StateConnected {
		reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, &Error{Op: op, Kind: ErrNotConnected, State: t.s.state}))
		return
	}
	if kind == models.TransferFile {
		if denied := t.c.gate.Denied(CapabilityStorageRead, CapabilityStorageWrite); len(denied) > 0 {
			reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, &Error{
				Op:   op,
				Kind: ErrPermissionDenied,
				Err:  fmt.Errorf("%v not granted", denied),
			}))
			return
		}
	}
	key := slotKey{kind: kind, dir: dir}
	if busy := t.s.transfers[key]; busy != nil {
		reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, &Error{
			Op:   op,
			Kind: ErrTransferInProgress,
			Err:  fmt.Errorf("request %s outstanding", busy.ID),
		}))
		return
	}

	ctx, cancel := context.WithCancel(t.c.ctx)
	req := &TransferRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Direction: dir,
		Target:    target,
		Issued:    time.Now(),
		cancel:    cancel,
		reply:     reply,
	}
	t.s.transfers[key] = req
	t.s.touch()
	if target != "" {
		t.c.record(activity.CategoryTransfer, activity.SeverityInfo, "%s %s started: %s", op, req.ID, target)
	} else {
		t.c.record(activity.CategoryTransfer, activity.SeverityInfo, "%s %s started", op, req.ID)
	}

	// The loop owns the deadline. Verb goroutines are not awaited by Close
	// since a radio may ignore ctx.
	if timeout := t.c.opts.TransferTimeout; timeout > 0 {
		req.timer = t.c.after(timeout, func() { t.expire(req, timeout) })
	}
	go func() {
		meta, err := verb(ctx, req.ID)
		_ = t.c.enqueue(func() { t.complete(req, meta, err) })
	}()
}

func (t *transferCoordinator) expire(req *TransferRequest, timeout time.Duration) {
	if req.resolved {
		return
	}
	t.resolve(req)
	req.reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, &Error{
		Op:   req.op(),
		Kind: ErrTimeout,
		Err:  fmt.Errorf("no result after %s", timeout),
	}))
	t.abort(req)
}

func (t *transferCoordinator) complete(req *TransferRequest, meta models.MetaInfo, err error) {
	if req.resolved {
		t.c.record(activity.CategoryTransfer, activity.SeverityInfo, "late completion for %s %s ignored", req.op(), req.ID)
		return
	}
	t.resolve(req)

	if err != nil {
		req.reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, externalFailure(req.op(), meta.Remote, err)))
		return
	}

	if meta.TransferID == "" {
		meta.TransferID = req.ID
	}
	if meta.Kind == "" {
		meta.Kind = req.Kind
	}
	t.c.record(activity.CategoryTransfer, activity.SeverityInfo, "%s %s complete: %s", req.op(), req.ID, describe(meta))
	req.reply(meta, nil)
}

func (t *transferCoordinator) resolve(req *TransferRequest) {
	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
	}
	if t.s.transfers[req.key()] == req {
		delete(t.s.transfers, req.key())
	}
	req.cancel()
	t.s.touch()
}

// loseAll resolves every outstanding request with ErrConnectionLost.
func (t *transferCoordinator) loseAll(reason string) {
	if len(t.s.transfers) == 0 {
		return
	}
	pending := make([]*TransferRequest, 0, len(t.s.transfers))
	for _, req := range t.s.transfers {
		pending = append(pending, req)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Issued.Before(pending[j].Issued) })

	for _, req := range pending {
		t.resolve(req)
		req.reply(models.MetaInfo{}, t.c.reject(activity.CategoryTransfer, &Error{
			Op:   req.op(),
			Kind: ErrConnectionLost,
			Err:  errors.New(reason),
		}))
		t.abort(req)
	}
}

func (t *transferCoordinator) abort(req *TransferRequest) {
	aborter, ok := t.c.stack.(radio.Aborter)
	if !ok {
		return
	}
	id := req.ID
	t.c.issue(func(ctx context.Context) error {
		return aborter.Abort(ctx, id)
	}, func(err error) {
		if err != nil {
			t.c.record(activity.CategoryTransfer, activity.SeverityWarning, "abort %s failed: %v", id, err)
			return
		}
		t.c.record(activity.CategoryTransfer, activity.SeverityDebug, "abort %s requested", id)
	})
}

func describe(meta models.MetaInfo) string {
	switch meta.Kind {
	case models.TransferFile:
		name := meta.Name
		if name == "" {
			name = meta.Path
		}
		return fmt.Sprintf("%s (%s)", name, humanize.Bytes(uint64(max(meta.Bytes, 0))))
	default:
		return fmt.Sprintf("%d byte message", meta.Bytes)
	}
}

// SendMessage sends text to the connected peer and waits for the remote
// acknowledgement.
func (c *Coordinator) SendMessage(ctx context.Context, text string) (models.MetaInfo, error) {
	return call(c, ctx, func(reply func(models.MetaInfo, error)) {
		c.transfers.begin(models.TransferMessage, models.DirectionSend, "", func(ctx context.Context, id string) (models.MetaInfo, error) {
			return c.stack.SendMessage(ctx, id, text)
		}, reply)
	})
}

// ReceiveMessage waits for the next message from the connected peer.
func (c *Coordinator) ReceiveMessage(ctx context.Context) (models.MetaInfo, error) {
	return call(c, ctx, func(reply func(models.MetaInfo, error)) {
		c.transfers.begin(models.TransferMessage, models.DirectionReceive, "", func(ctx context.Context, id string) (models.MetaInfo, error) {
			return c.stack.ReceiveMessage(ctx, id)
		}, reply)
	})
}

// SendFile sends the file at path to the connected peer.
func (c *Coordinator) SendFile(ctx context.Context, path string) (models.MetaInfo, error) {
	return call(c, ctx, func(reply func(models.MetaInfo, error)) {
		c.transfers.begin(models.TransferFile, models.DirectionSend, path, func(ctx context.Context, id string) (models.MetaInfo, error) {
			return c.stack.SendFile(ctx, id, path)
		}, reply)
	})
}

// ReceiveFile waits for the next file from the connected peer and stores it
// under destDir. An empty name keeps the sender's file name.
func (c *Coordinator) ReceiveFile(ctx context.Context, destDir, name string) (models.MetaInfo, error) {
	return call(c, ctx, func(reply func(models.MetaInfo, error)) {
		c.transfers.begin(models.TransferFile, models.DirectionReceive, destDir, func(ctx context.Context, id string) (models.MetaInfo, error) {
			return c.stack.ReceiveFile(ctx, id, destDir, name)
		}, reply)
	})
}
