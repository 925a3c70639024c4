package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodshare/fulfillment/internal/models"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volunteers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadVolunteers(t *testing.T) {
	st := setupStorage(t, "")
	path := writeFile(t, `
- id: v1
  name: Ann
  transport_capacity: small
  campaigns: [c1, c2]
- id: v2
  transport_capacity: large
  campaigns: [c1]
`)
	n, err := st.LoadVolunteers(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx := context.Background()
	vs, err := st.ListCampaignVolunteers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "Ann", vs[0].Name)
	assert.Equal(t, models.SizeSmall, vs[0].TransportCapacity)

	vs, err = st.ListCampaignVolunteers(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestLoadVolunteersRejectsBadEntries(t *testing.T) {
	st := setupStorage(t, "")
	_, err := st.LoadVolunteers(writeFile(t, "- id: v1\n  transport_capacity: huge\n"))
	assert.Error(t, err)

	_, err = st.LoadVolunteers(writeFile(t, "- name: nobody\n  transport_capacity: small\n"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = st.LoadVolunteers(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
