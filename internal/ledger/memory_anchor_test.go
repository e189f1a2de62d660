package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAnchor_FailNextThenSucceed(t *testing.T) {
	m := NewMemoryAnchor()
	m.FailNext(2)
	ctx := context.Background()
	req := request("a-1", "abc")

	_, err := m.Anchor(ctx, req)
	assert.True(t, errors.Is(err, ErrLedgerUnavailable))
	_, err = m.Anchor(ctx, req)
	assert.True(t, errors.Is(err, models.ErrTransientInfra))

	ref, err := m.Anchor(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Calls())

	again, err := m.Anchor(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryAnchor_VerifyAndTamper(t *testing.T) {
	m := NewMemoryAnchor()
	ctx := context.Background()
	req := request("a-1", "abc")

	ref, err := m.Anchor(ctx, req)
	require.NoError(t, err)

	ok, err := m.Verify(ctx, ref, req.Digest)
	require.NoError(t, err)
	assert.True(t, ok)

	m.Tamper(ref, "evil")
	_, err = m.Verify(ctx, ref, req.Digest)
	assert.True(t, errors.Is(err, models.ErrIntegrity))

	_, err = m.Verify(ctx, "mem-999999", fingerprint.Digest{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMemoryAnchor_LatencyHonorsContext(t *testing.T) {
	m := NewMemoryAnchor()
	m.SetLatency(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Anchor(ctx, request("a-1", "abc"))
	assert.True(t, errors.Is(err, models.ErrTransientInfra))
	assert.Equal(t, 0, m.Len())
}
