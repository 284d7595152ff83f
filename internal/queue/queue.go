package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultVisibilityTimeout = 15 * time.Minute

// Queue is the durable deploy job store. All state transitions happen here.
type Queue struct {
	db         *sql.DB
	policy     RetryPolicy
	visibility time.Duration
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithVisibilityTimeout sets how long a claim stays exclusive without an ack.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		policy:     DefaultRetryPolicy(),
		visibility: defaultVisibilityTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates req and stores a waiting job. Returns the new job id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := toMillis(q.now())

	_, err := q.db.ExecContext(ctx, `
INSERT INTO deploy_jobs(
  id, agent_name, source_repo, branch, commit_ref, commit_message, triggered_manually,
  state, attempts_made, max_attempts, enqueued_at, updated_at, available_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
`, id, req.AgentName, req.SourceRepo, req.Branch, req.CommitRef, req.CommitMessage, req.TriggeredManually,
		StateWaiting, q.policy.MaxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Claim hands the next available job to workerID and marks it active.
// Due retries are promoted to waiting in the same transaction. Lost claims
// are left to Sweep so their expiry is always reported.
// Returns (nil, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("workerID is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	if _, err := promoteRetries(ctx, tx, now); err != nil {
		return nil, err
	}

	nowMS := toMillis(now)
	row := tx.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM deploy_jobs
  WHERE state = ? AND available_at <= ? AND attempts_made < max_attempts
  ORDER BY available_at ASC, enqueued_at ASC, rowid ASC
  LIMIT 1
)
UPDATE deploy_jobs
SET state = ?, attempts_made = attempts_made + 1, claimed_by = ?, claim_token = ?,
    claim_expires_at = ?, started_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StateWaiting, nowMS, StateActive, workerID, uuid.NewString(), toMillis(now.Add(q.visibility)), nowMS, nowMS)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// AcknowledgeSuccess completes an active job held under token.
func (q *Queue) AcknowledgeSuccess(ctx context.Context, jobID, token string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	holder, err := loadClaim(ctx, tx, jobID, token)
	if err != nil {
		return err
	}

	now := toMillis(q.now())
	if _, err := tx.ExecContext(ctx, `
UPDATE deploy_jobs
SET state = ?, result = ?, failure_reason = NULL, completed_at = ?, updated_at = ?,
    claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
WHERE id = ?;
`, StateCompleted, string(payload), now, now, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	if err := recordAttempt(ctx, tx, jobID, holder, OutcomeSucceeded, "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AcknowledgeFailure records a failed attempt and applies the retry policy:
// delayed_retry with backoff while attempts remain, failed once exhausted.
// Returns the job as stored after the transition.
func (q *Queue) AcknowledgeFailure(ctx context.Context, jobID, token, reason string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	holder, err := loadClaim(ctx, tx, jobID, token)
	if err != nil {
		return nil, err
	}

	now := q.now()
	nowMS := toMillis(now)

	var row *sql.Row
	if holder.exhausted() {
		row = tx.QueryRowContext(ctx, `
UPDATE deploy_jobs
SET state = ?, failure_reason = ?, completed_at = ?, updated_at = ?,
    claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
WHERE id = ?
RETURNING `+jobColumns+`;
`, StateFailed, reason, nowMS, nowMS, jobID)
	} else {
		availableAt := now.Add(q.policy.Backoff(holder.attempt))
		row = tx.QueryRowContext(ctx, `
UPDATE deploy_jobs
SET state = ?, failure_reason = ?, available_at = ?, updated_at = ?,
    claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
WHERE id = ?
RETURNING `+jobColumns+`;
`, StateDelayedRetry, reason, toMillis(availableAt), nowMS, jobID)
	}

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}

	if err := recordAttempt(ctx, tx, jobID, holder, OutcomeFailed, reason, nowMS); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// Sweep promotes due retries and expires lost claims.
func (q *Queue) Sweep(ctx context.Context) (SweepReport, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SweepReport{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	report, err := q.sweep(ctx, tx, q.now())
	if err != nil {
		return SweepReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return SweepReport{}, fmt.Errorf("commit tx: %w", err)
	}
	return report, nil
}

// promoteRetries moves delayed_retry jobs whose backoff has elapsed back to waiting.
func promoteRetries(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	nowMS := toMillis(now)
	res, err := tx.ExecContext(ctx, `
UPDATE deploy_jobs
SET state = ?, updated_at = ?
WHERE state = ? AND available_at <= ?;
`, StateWaiting, nowMS, StateDelayedRetry, nowMS)
	if err != nil {
		return 0, fmt.Errorf("promote retries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promote retries rows affected: %w", err)
	}
	return int(n), nil
}

func (q *Queue) sweep(ctx context.Context, tx *sql.Tx, now time.Time) (SweepReport, error) {
	var report SweepReport
	nowMS := toMillis(now)

	promoted, err := promoteRetries(ctx, tx, now)
	if err != nil {
		return report, err
	}
	report.Promoted = promoted

	rows, err := tx.QueryContext(ctx, `
SELECT id, attempts_made, max_attempts, COALESCE(claimed_by, ''), COALESCE(started_at, 0)
FROM deploy_jobs
WHERE state = ? AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?;
`, StateActive, nowMS)
	if err != nil {
		return report, fmt.Errorf("find expired claims: %w", err)
	}
	type expired struct {
		id     string
		holder claimHolder
	}
	var lost []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.holder.attempt, &e.holder.maxAttempts, &e.holder.workerID, &e.holder.startedAt); err != nil {
			_ = rows.Close()
			return report, fmt.Errorf("scan expired claim: %w", err)
		}
		lost = append(lost, e)
	}
	if err := rows.Close(); err != nil {
		return report, fmt.Errorf("close expired claims: %w", err)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate expired claims: %w", err)
	}

	for _, e := range lost {
		reason := fmt.Sprintf("claim by %s expired after %s without acknowledgement", e.holder.workerID, q.visibility)
		if e.holder.exhausted() {
			_, err = tx.ExecContext(ctx, `
UPDATE deploy_jobs
SET state = ?, failure_reason = ?, completed_at = ?, updated_at = ?,
    claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
WHERE id = ?;
`, StateFailed, reason, nowMS, nowMS, e.id)
			report.Exhausted = append(report.Exhausted, e.id)
		} else {
			_, err = tx.ExecContext(ctx, `
UPDATE deploy_jobs
SET state = ?, available_at = ?, updated_at = ?,
    claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
WHERE id = ?;
`, StateWaiting, nowMS, nowMS, e.id)
			report.Requeued = append(report.Requeued, e.id)
		}
		if err != nil {
			return report, fmt.Errorf("expire claim %s: %w", e.id, err)
		}
		if err := recordAttempt(ctx, tx, e.id, e.holder, OutcomeExpired, reason, nowMS); err != nil {
			return report, err
		}
	}

	return report, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetByID returns the stored job or ErrJobNotFound.
func (q *Queue) GetByID(ctx context.Context, jobID string) (*Job, error) {
	return getByID(ctx, q.db, jobID)
}

// Attempts returns a job's attempt history, oldest first.
func (q *Queue) Attempts(ctx context.Context, jobID string) ([]Attempt, error) {
	return listAttempts(ctx, q.db, jobID)
}

// Snapshot reads a job and its attempt history in one read transaction, so
// the history never runs ahead of the job's state.
func (q *Queue) Snapshot(ctx context.Context, jobID string) (*Job, []Attempt, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getByID(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := listAttempts(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, attempts, nil
}

func getByID(ctx context.Context, db querier, jobID string) (*Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM deploy_jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func listAttempts(ctx context.Context, db querier, jobID string) ([]Attempt, error) {
	rows, err := db.QueryContext(ctx, `
SELECT job_id, attempt, worker_id, outcome, COALESCE(reason, ''), started_at, finished_at
FROM job_attempts
WHERE job_id = ?
ORDER BY attempt ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                   Attempt
			started, finishedAt int64
		)
		if err := rows.Scan(&a.JobID, &a.Number, &a.WorkerID, &a.Outcome, &a.Reason, &started, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = fromMillis(started)
		a.FinishedAt = fromMillis(finishedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Depth counts jobs per state. Every state is present in the result.
func (q *Queue) Depth(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM deploy_jobs GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[State]int, len(AllStates))
	for _, s := range AllStates {
		depth[s] = 0
	}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		depth[State(s)] = n
	}
	return depth, rows.Err()
}

// Prune deletes terminal jobs that finished more than retention ago.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := toMillis(q.now().Add(-retention))

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM job_attempts
WHERE job_id IN (
  SELECT id FROM deploy_jobs WHERE state IN (?, ?) AND completed_at < ?
);
`, StateCompleted, StateFailed, cutoff); err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
DELETE FROM deploy_jobs WHERE state IN (?, ?) AND completed_at < ?;
`, StateCompleted, StateFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return n, nil
}

type claimHolder struct {
	attempt     int
	maxAttempts int
	workerID    string
	startedAt   int64
}

// exhausted reports whether the job's own attempt budget is spent. The budget
// is stored per job so a policy change never strands jobs already queued.
func (h claimHolder) exhausted() bool { return h.attempt >= h.maxAttempts }

// loadClaim verifies that token still owns the active job.
func loadClaim(ctx context.Context, tx *sql.Tx, jobID, token string) (claimHolder, error) {
	var (
		h          claimHolder
		state      string
		claimToken sql.NullString
		claimedBy  sql.NullString
		startedAt  sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
SELECT state, attempts_made, max_attempts, claimed_by, claim_token, started_at
FROM deploy_jobs
WHERE id = ?;
`, jobID).Scan(&state, &h.attempt, &h.maxAttempts, &claimedBy, &claimToken, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrJobNotFound
	}
	if err != nil {
		return h, fmt.Errorf("load claim: %w", err)
	}
	if State(state) != StateActive || !claimToken.Valid || claimToken.String != token {
		return h, fmt.Errorf("%w: job %s is %s", ErrClaimLost, jobID, state)
	}
	h.workerID = claimedBy.String
	h.startedAt = startedAt.Int64
	return h, nil
}

func recordAttempt(ctx context.Context, tx *sql.Tx, jobID string, h claimHolder, outcome, reason string, finishedAt int64) error {
	var reasonVal any
	if reason != "" {
		reasonVal = reason
	}
	_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO job_attempts(job_id, attempt, worker_id, outcome, reason, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, jobID, h.attempt, h.workerID, outcome, reasonVal, h.startedAt, finishedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

const jobColumns = `id, agent_name, source_repo, branch, commit_ref, commit_message, triggered_manually,
  state, attempts_made, max_attempts, enqueued_at, updated_at, available_at,
  claimed_by, claim_token, claim_expires_at, started_at, completed_at, result, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j              Job
		state          string
		enqueuedAt     int64
		updatedAt      int64
		availableAt    int64
		claimedBy      sql.NullString
		claimToken     sql.NullString
		claimExpiresAt sql.NullInt64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
		result         sql.NullString
		failureReason  sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.AgentName, &j.SourceRepo, &j.Branch, &j.CommitRef, &j.CommitMessage, &j.TriggeredManually,
		&state, &j.AttemptsMade, &j.MaxAttempts, &enqueuedAt, &updatedAt, &availableAt,
		&claimedBy, &claimToken, &claimExpiresAt, &startedAt, &completedAt, &result, &failureReason,
	)
	if err != nil {
		return nil, err
	}

	j.State = State(state)
	j.EnqueuedAt = fromMillis(enqueuedAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.AvailableAt = fromMillis(availableAt)
	j.ClaimedBy = claimedBy.String
	j.ClaimToken = claimToken.String
	j.ClaimExpiresAt = nullMillis(claimExpiresAt)
	j.StartedAt = nullMillis(startedAt)
	j.CompletedAt = nullMillis(completedAt)
	j.FailureReason = failureReason.String
	if result.Valid && result.String != "" {
		var r Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", j.ID, err)
		}
		j.Result = &r
	}
	return &j, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
