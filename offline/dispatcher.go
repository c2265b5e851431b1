package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/checkin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// nonceStateKey is where the current batch attempt's nonce lives in the kv
// side-store. The nonce survives process restarts so retries of the same
// batch reuse the same idempotency key; it rotates only on a terminal
// outcome, so a freshly composed batch gets a fresh key.
const nonceStateKey = "checkin_batch_nonce"

// Reporter surfaces terminal outcomes to the caller/UI. The queue UI shows
// these as "needs attention"; nothing is discarded without one.
type Reporter func(action QueuedAction, code checkin.ErrorCode, message string)

type DispatcherConfig struct {
	MaxAttempts int                    // retries before an action is terminally failed (default 10)
	BaseBackoff time.Duration          // default 5s
	MaxBackoff  time.Duration          // default 10m
	BatchLimit  int                    // default and ceiling 100
	Policy      checkin.ConflictPolicy // default last-write-wins
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.BatchLimit <= 0 || c.BatchLimit > checkin.MaxBatchSize {
		c.BatchLimit = checkin.MaxBatchSize
	}
	if c.Policy == "" {
		c.Policy = checkin.PolicyLastWriteWins
	}
	return c
}

// Dispatcher drains the queue against network state and applies per-item
// server verdicts back onto it. It never acknowledges an action on local
// assumption; only a server-confirmed result removes one.
type Dispatcher struct {
	queue  *Queue
	client *Client
	online func() bool
	report Reporter
	logg   *logrus.Logger
	cfg    DispatcherConfig

	mu          sync.Mutex
	nextAttempt time.Time
	kick        chan struct{}
}

// NewDispatcher wires a dispatcher. online reports current connectivity (nil
// means always online); report may be nil.
func NewDispatcher(queue *Queue, client *Client, online func() bool, report Reporter, logg *logrus.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queue:  queue,
		client: client,
		online: online,
		report: report,
		logg:   logg,
		cfg:    cfg.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate drain (connectivity-change hook).
func (d *Dispatcher) TriggerNow() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run is the background worker loop: a periodic timer plus TriggerNow kicks.
// Returns when ctx is cancelled; safe, because nothing leaves the queue
// without a server verdict.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if err := d.Drain(ctx); err != nil {
			if d.logg != nil {
				d.logg.WithFields(logrus.Fields{"module": "offline", "funcName": "Run"}).Error(err.Error())
			}
		}
	}
}

// Drain performs one sync pass. Mutually exclusive with itself; a pass
// already in flight makes this a no-op.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if !d.mu.TryLock() {
		return nil
	}
	defer d.mu.Unlock()

	if d.online != nil && !d.online() {
		return nil
	}
	if time.Now().Before(d.nextAttempt) {
		return nil
	}

	actions, err := d.queue.ListByType(ActionCheckIn, d.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	items := make([]checkin.BulkItem, 0, len(actions))
	byCorrId := make(map[string]QueuedAction, len(actions))
	for _, action := range actions {
		payload, err := DecodePayload(action.Type, action.Payload)
		if err != nil {
			// Validation failures are terminal before they ever hit the wire.
			d.fail(action, checkin.ErrCodeValidation, err.Error())
			continue
		}
		p := payload.(*CheckInPayload)
		corrId := p.OfflineId
		if corrId == "" {
			corrId = strconv.FormatInt(action.ID, 10)
		}
		// Two queued actions can carry the same client-assigned id; the
		// verdict map needs a distinct key for each or one action would
		// never get its verdict applied.
		if _, dup := byCorrId[corrId]; dup {
			corrId = corrId + "#" + strconv.FormatInt(action.ID, 10)
		}
		items = append(items, checkin.BulkItem{
			ServiceId:   p.ServiceId,
			CheckInTime: p.CheckInTime,
			ClientId:    corrId,
			UserId:      p.TargetUserId,
		})
		byCorrId[corrId] = action
	}
	if len(items) == 0 {
		return nil
	}

	nonce, err := d.batchNonce()
	if err != nil {
		return err
	}
	key := batchIdempotencyKey(items, nonce)

	result, err := d.client.SubmitBulk(ctx, checkin.BulkRequest{
		Items:              items,
		ConflictResolution: d.cfg.Policy,
	}, key)
	if err != nil {
		d.handleBatchError(byCorrId, err)
		return nil
	}

	// Terminal outcome for this batch composition: the next batch is a new
	// one and must not reuse this key.
	if err := d.queue.DeleteState(nonceStateKey); err != nil {
		return err
	}
	d.nextAttempt = time.Time{}

	for _, res := range result.Results {
		action, ok := byCorrId[res.Id]
		if !ok {
			if d.logg != nil {
				d.logg.WithFields(logrus.Fields{"module": "offline", "corr_id": res.Id}).Warn("verdict for unknown correlation id")
			}
			continue
		}
		switch {
		case res.Success:
			if err := d.queue.Remove(action.ID); err != nil {
				return err
			}
		case res.Code.Retryable():
			d.retryOrFail(action, res.Code, res.Error)
		default:
			d.fail(action, res.Code, res.Error)
		}
	}
	return nil
}

// handleBatchError maps a batch-level failure onto every in-flight action.
func (d *Dispatcher) handleBatchError(byCorrId map[string]QueuedAction, err error) {
	var reqErr *RequestError
	retryable := true
	code := checkin.ErrCodeTransient
	if errors.As(err, &reqErr) {
		code = reqErr.Code
		retryable = reqErr.Retryable()
	}

	if !retryable {
		// Authorization, validation, or key reuse for the whole batch:
		// terminal. Key reuse in particular must not be retried with the
		// same key, so the nonce rotates with the rest.
		for _, action := range byCorrId {
			d.fail(action, code, err.Error())
		}
		if derr := d.queue.DeleteState(nonceStateKey); derr != nil && d.logg != nil {
			d.logg.WithFields(logrus.Fields{"module": "offline"}).Error(derr.Error())
		}
		d.nextAttempt = time.Time{}
		return
	}

	// Transport failure or retryable server error: everything stays queued,
	// the nonce is kept so the retry reuses the same idempotency key, and
	// the next attempt waits out an exponential backoff.
	attempt := 0
	for _, action := range byCorrId {
		d.retryOrFail(action, code, err.Error())
		if action.RetryCount+1 > attempt {
			attempt = action.RetryCount + 1
		}
	}
	d.nextAttempt = time.Now().Add(backoffDelay(attempt, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
}

func (d *Dispatcher) retryOrFail(action QueuedAction, code checkin.ErrorCode, msg string) {
	if action.RetryCount+1 >= d.cfg.MaxAttempts {
		d.fail(action, code, "retry limit reached: "+msg)
		return
	}
	if err := d.queue.IncrementRetry(action.ID, msg); err != nil && d.logg != nil {
		d.logg.WithFields(logrus.Fields{"module": "offline", "action_id": action.ID}).Error(err.Error())
	}
}

func (d *Dispatcher) fail(action QueuedAction, code checkin.ErrorCode, msg string) {
	if err := d.queue.MarkFailed(action.ID, string(code)+": "+msg); err != nil && d.logg != nil {
		d.logg.WithFields(logrus.Fields{"module": "offline", "action_id": action.ID}).Error(err.Error())
	}
	if d.report != nil {
		d.report(action, code, msg)
	}
}

func (d *Dispatcher) batchNonce() (string, error) {
	raw, ok, err := d.queue.GetState(nonceStateKey)
	if err != nil {
		return "", err
	}
	if ok {
		return string(raw), nil
	}
	nonce := uuid.NewString()
	if err := d.queue.PutState(nonceStateKey, []byte(nonce)); err != nil {
		return "", err
	}
	return nonce, nil
}

// batchIdempotencyKey derives the request-level key deterministically from
// the sorted item correlation ids plus the stored nonce: retries of the same
// batch hash identically, a recomposed batch does not.
func batchIdempotencyKey(items []checkin.BulkItem, nonce string) string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ClientId)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",") + "|" + nonce))
	return hex.EncodeToString(sum[:])
}

// base * 2^(attempt-1), capped.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		return max
	}
	return delay
}
