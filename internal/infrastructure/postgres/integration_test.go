//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	appMessage "github.com/outbound-hub/outbound-hub/internal/application/message"
	"github.com/outbound-hub/outbound-hub/internal/domain/message"
	"github.com/outbound-hub/outbound-hub/internal/infrastructure/postgres"
)

var (
	sharedOnce      sync.Once
	sharedPool      *pgxpool.Pool
	sharedContainer testcontainers.Container
	sharedErr       error
)

var (
	human  = message.Actor{Type: message.ActorHuman, ID: "alice"}
	system = message.Actor{Type: message.ActorSystem, ID: "api"}
)

func TestMain(m *testing.M) {
	code := m.Run()
	if sharedPool != nil {
		sharedPool.Close()
	}
	if sharedContainer != nil {
		_ = sharedContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, *pgxpool.Pool, error) {
	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "outbound",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "outbound",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("resolve host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("resolve port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://outbound:secret@%s:%s/outbound?sslmode=disable", host, mappedPort.Port())
	pool, err := postgres.NewPool(ctx, dsn, 32)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	if err := postgres.RunMigrations(ctx, pool, "../../migrations"); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	return container, pool, nil
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	sharedOnce.Do(func() {
		sharedContainer, sharedPool, sharedErr = startPostgres(context.Background())
	})
	if sharedErr != nil {
		t.Skipf("start postgres container: %v", sharedErr)
	}
	_, err := sharedPool.Exec(context.Background(),
		`TRUNCATE message_audit_events, message_reviews, message_participants, messages CASCADE`)
	require.NoError(t, err)
	return sharedPool
}

func newService(pool *pgxpool.Pool, maxAttempts int) *appMessage.Service {
	logger := zerolog.Nop()
	return appMessage.NewService(postgres.NewUnitOfWork(pool, logger), nil, maxAttempts, logger)
}

func strPtr(s string) *string { return &s }

func emailInput(requiresApproval bool) appMessage.CreateInput {
	return appMessage.CreateInput{
		Channel:          "email",
		RequiresApproval: requiresApproval,
		ContentSource:    message.ContentDirect,
		Subject:          strPtr("Invoice"),
		TextBody:         strPtr("Please find your invoice attached."),
		Participants: []message.ParticipantSpec{
			{Role: message.RoleSender, Address: "billing@example.com"},
			{Role: message.RoleTo, Address: "carol@example.com", DisplayName: strPtr("Carol")},
		},
	}
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

// markSent puts a message into SENT with a provider id, as a delivery worker would.
func markSent(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, smtpID string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		UPDATE messages SET status='SENT', smtp_message_id=$2, sent_at=NOW(), attempt_count=1 WHERE id=$1
	`, id, smtpID)
	require.NoError(t, err)
}

func TestCreateIdempotentUnderConcurrency(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	const callers = 16
	in := emailInput(false)
	in.IdempotencyKey = strPtr("invoice-2026-0001")

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*appMessage.CreateResult, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Create(ctx, in, system)
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	var id uuid.UUID
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i].WasCreated {
			created++
		}
		if id == uuid.Nil {
			id = results[i].Message.ID()
		}
		assert.Equal(t, id, results[i].Message.ID())
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM messages WHERE idempotency_key=$1`, "invoice-2026-0001"))
	assert.Equal(t, 2, countRows(t, pool, `SELECT COUNT(*) FROM message_participants WHERE message_id=$1`, id))
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM message_audit_events WHERE message_id=$1`, id))
}

func TestCreateWithoutKeyAlwaysInserts(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	first, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	second, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)

	assert.True(t, first.WasCreated)
	assert.True(t, second.WasCreated)
	assert.NotEqual(t, first.Message.ID(), second.Message.ID())
	assert.False(t, first.Message.CreatedAt().IsZero())
}

func TestReplayDoesNotMutate(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	targetA, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	targetB, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	markSent(t, pool, targetA.Message.ID(), "<a@mx.example.com>")
	markSent(t, pool, targetB.Message.ID(), "<b@mx.example.com>")

	in := emailInput(false)
	in.IdempotencyKey = strPtr("reply-1")
	idA := targetA.Message.ID()
	in.ReplyToMessageID = &idA
	first, err := svc.Create(ctx, in, system)
	require.NoError(t, err)
	require.True(t, first.WasCreated)

	claimed, ok, err := svc.ClaimNextApproved(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.Message.ID(), claimed.ID())

	idB := targetB.Message.ID()
	in.ReplyToMessageID = &idB
	replay, err := svc.Create(ctx, in, system)
	require.NoError(t, err)
	assert.False(t, replay.WasCreated)
	assert.Equal(t, first.Message.ID(), replay.Message.ID())
	assert.Equal(t, idA, *replay.Message.ReplyToMessageID())
	assert.Equal(t, "<a@mx.example.com>", *replay.Message.InReplyTo())
	assert.Equal(t, message.StatusSending, replay.Message.Status())
	assert.Equal(t, "w1", *replay.Message.ClaimedBy())
	assert.Len(t, replay.Message.Participants(), 2)

	stored, err := svc.GetByID(ctx, first.Message.ID())
	require.NoError(t, err)
	assert.Equal(t, idA, *stored.ReplyToMessageID())
	assert.Equal(t, message.StatusSending, stored.Status())
}

func TestInvalidReplyTargetPersistsNothing(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	target, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)

	in := emailInput(false)
	id := target.Message.ID()
	in.ReplyToMessageID = &id
	_, err = svc.Create(ctx, in, system)
	var verr *message.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, message.CodeInvalidReplyTarget, verr.Code)
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM messages`))
}

func TestSingleReviewer(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	res, err := svc.Create(ctx, emailInput(true), system)
	require.NoError(t, err)
	id := res.Message.ID()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errs[0] = svc.Approve(ctx, id, "alice", human, nil, nil)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errs[1] = svc.Reject(ctx, id, "bob", message.Actor{Type: message.ActorHuman, ID: "bob"}, nil, nil)
	}()
	close(start)
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, message.IsRuleViolation(err) || errors.Is(err, message.ErrConflict), err)
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM message_reviews WHERE message_id=$1`, id))
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM message_audit_events WHERE message_id=$1 AND event_type IN ('MESSAGE_APPROVED','MESSAGE_REJECTED')`, id))
}

func TestDuplicateReviewInsertIsConflict(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	res, err := svc.Create(ctx, emailInput(true), system)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, res.Message.ID(), "alice", human, nil, nil)
	require.NoError(t, err)

	err = postgres.NewReviewRepository(pool).Insert(ctx, &message.Review{
		ID:        uuid.New(),
		MessageID: res.Message.ID(),
		Decision:  message.DecisionRejected,
		DecidedBy: "mallory",
		DecidedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, message.ErrConflict)
}

func TestClaimAtMostOnce(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	const available, claimers = 5, 12
	for i := 0; i < available; i++ {
		_, err := svc.Create(ctx, emailInput(false), system)
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		ids   = map[uuid.UUID]string{}
		none  int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			m, ok, err := svc.ClaimNextApproved(ctx, worker)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				none++
				return
			}
			_, dup := ids[m.ID()]
			assert.False(t, dup, "message %s claimed twice", m.ID())
			ids[m.ID()] = worker
			assert.Equal(t, worker, *m.ClaimedBy())
			assert.Equal(t, 0, m.AttemptCount())
		}(fmt.Sprintf("w%d", i))
	}
	close(start)
	wg.Wait()

	assert.Len(t, ids, available)
	assert.Equal(t, claimers-available, none)
	assert.Equal(t, available, countRows(t, pool, `SELECT COUNT(*) FROM messages WHERE status='SENDING'`))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM message_audit_events WHERE event_type NOT IN ('MESSAGE_CREATED')`))
}

func TestClaimOrdering(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	first, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	second, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)

	t.Run("older message first", func(t *testing.T) {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := pool.Exec(ctx, `UPDATE messages SET created_at=$2 WHERE id=$1`, second.Message.ID(), base)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `UPDATE messages SET created_at=$2 WHERE id=$1`, first.Message.ID(), base.Add(time.Second))
		require.NoError(t, err)

		m, ok, err := svc.ClaimNextApproved(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second.Message.ID(), m.ID())
	})

	t.Run("equal timestamps break ties by id", func(t *testing.T) {
		_, err := pool.Exec(ctx, `TRUNCATE message_audit_events, message_reviews, message_participants, messages CASCADE`)
		require.NoError(t, err)
		a, err := svc.Create(ctx, emailInput(false), system)
		require.NoError(t, err)
		b, err := svc.Create(ctx, emailInput(false), system)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `UPDATE messages SET created_at=$1`, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)

		var lowest uuid.UUID
		require.NoError(t, pool.QueryRow(ctx, `SELECT id FROM messages WHERE id IN ($1, $2) ORDER BY id LIMIT 1`, a.Message.ID(), b.Message.ID()).Scan(&lowest))

		m, ok, err := svc.ClaimNextApproved(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lowest, m.ID())
	})
}

func TestPendingMessagesAreNotClaimable(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	_, err := svc.Create(ctx, emailInput(true), system)
	require.NoError(t, err)

	m, ok, err := svc.ClaimNextApproved(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestRetryExhaustion(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	res, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	id := res.Message.ID()

	for attempt := 1; attempt <= 3; attempt++ {
		m, ok, err := svc.ClaimNextApproved(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, m.ID())

		m, err = svc.RecordSendFailure(ctx, id, "w1", "421 try again later")
		require.NoError(t, err)
		assert.Equal(t, attempt, m.AttemptCount())
		if attempt < 3 {
			assert.Equal(t, message.StatusApproved, m.Status())
			assert.Nil(t, m.ClaimedBy())
		} else {
			assert.Equal(t, message.StatusFailed, m.Status())
		}
	}

	events, err := svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	types := make([]message.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	assert.Equal(t, []message.EventType{
		message.EventCreated, message.EventRequeued, message.EventRequeued, message.EventSendFailed,
	}, types)
}

func TestLifecycleScenario(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	res, err := svc.Create(ctx, emailInput(true), system)
	require.NoError(t, err)
	id := res.Message.ID()
	assert.Equal(t, message.StatusPendingApproval, res.Message.Status())

	approved, err := svc.Approve(ctx, id, "alice", human, strPtr("ok"), nil)
	require.NoError(t, err)
	assert.Equal(t, message.StatusApproved, approved.Status())

	claimed, ok, err := svc.ClaimNextApproved(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, message.StatusSending, claimed.Status())
	assert.Equal(t, "w1", *claimed.ClaimedBy())

	sent, err := svc.RecordSendSuccess(ctx, id, "w1", strPtr("<scenario@mx.example.com>"))
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, sent.Status())
	assert.Equal(t, 1, sent.AttemptCount())
	assert.Nil(t, sent.FailureReason())

	stored, err := svc.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, stored.Status())
	assert.True(t, stored.IsValidReplyTarget())
	assert.Len(t, stored.Participants(), 2)
	assert.Equal(t, "Carol", *stored.Participants()[1].DisplayName)

	events, err := svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	approvedEvent := events[1]
	assert.Equal(t, message.EventApproved, approvedEvent.EventType)
	assert.Equal(t, message.StatusPendingApproval, *approvedEvent.FromStatus)
	assert.Equal(t, message.StatusApproved, *approvedEvent.ToStatus)
	assert.Equal(t, message.ActorHuman, approvedEvent.ActorType)
	assert.Equal(t, "alice", approvedEvent.ActorID)
	assert.Equal(t, message.EventSent, events[2].EventType)

	review, err := postgres.NewReviewRepository(pool).GetByMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, message.DecisionApproved, review.Decision)
}

func TestUnitOfWorkRollsBack(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	uow := postgres.NewUnitOfWork(pool, zerolog.Nop())
	ctx := context.Background()

	res, err := svc.Create(ctx, emailInput(false), system)
	require.NoError(t, err)
	id := res.Message.ID()

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := uow.Within(ctx, func(ctx context.Context, repos message.Repositories) error {
			m, err := repos.Messages().GetByIDForUpdate(ctx, id)
			require.NoError(t, err)
			_, err = m.Cancel(time.Now())
			require.NoError(t, err)
			require.NoError(t, repos.Messages().UpdateState(ctx, m))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		stored, err := svc.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StatusApproved, stored.Status())
	})

	t.Run("panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = uow.Within(ctx, func(ctx context.Context, repos message.Repositories) error {
				m, err := repos.Messages().GetByIDForUpdate(ctx, id)
				require.NoError(t, err)
				_, _ = m.Cancel(time.Now())
				_ = repos.Messages().UpdateState(ctx, m)
				panic("worker crashed")
			})
		})

		stored, err := svc.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StatusApproved, stored.Status())
	})

	t.Run("cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		err := uow.Within(cctx, func(ctx context.Context, repos message.Repositories) error {
			m, err := repos.Messages().GetByIDForUpdate(ctx, id)
			require.NoError(t, err)
			_, _ = m.Cancel(time.Now())
			require.NoError(t, repos.Messages().UpdateState(ctx, m))
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)

		stored, err := svc.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StatusApproved, stored.Status())
	})
}

func TestList(t *testing.T) {
	pool := testPool(t)
	svc := newService(pool, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, emailInput(i == 0), system)
		require.NoError(t, err)
	}

	status := message.StatusApproved
	items, err := svc.List(ctx, message.Filter{Status: &status}, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, m := range items {
		assert.Equal(t, message.StatusApproved, m.Status())
		assert.Len(t, m.Participants(), 2)
	}

	channel := "sms"
	items, err = svc.List(ctx, message.Filter{Channel: &channel}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
