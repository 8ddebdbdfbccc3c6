package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classify("op", nil))
	})

	t.Run("unique violation is a conflict", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_message_reviews_message", Message: "duplicate key value"}
		err := classify("review.insert", fmt.Errorf("exec: %w", pgErr))
		assert.ErrorIs(t, err, message.ErrConflict)
		assert.False(t, message.IsPersistence(err))
		assert.Contains(t, err.Error(), "ux_message_reviews_message")
	})

	t.Run("other driver errors are hidden", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "08006", Message: "connection failure at 10.0.0.7"}
		err := classify("message.update", pgErr)
		var pe *message.PersistenceError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "message.update", pe.Op)
		assert.NotContains(t, err.Error(), "10.0.0.7")
		assert.True(t, errors.Is(err, pgErr))
	})
}

func TestAddWhere(t *testing.T) {
	assert.Equal(t, " WHERE", addWhere("SELECT 1 FROM messages"))
	assert.Equal(t, " AND", addWhere("SELECT 1 FROM messages WHERE status=$1"))
	assert.Equal(t, "12", itoa(12))
}
