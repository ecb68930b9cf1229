package inistore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_OpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ini")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "default", s.Get("identity", "charge_point_id", "default"))
}

func TestStore_SetPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ini")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("identity", "charge_point_id", "CP-001"))
	require.NoError(t, s.SetInt("identity", "security_profile", 2))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "CP-001", reopened.Get("identity", "charge_point_id", ""))
	assert.Equal(t, 2, reopened.GetInt("identity", "security_profile", 1))
}

func TestStore_LoadSaveIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ini")
	s, err := Open(path)
	require.NoError(t, err)

	id := Identity{ChargePointID: "CP-42", ConnectionURL: "wss://csms.example/ocpp", SecurityProfile: 3}
	require.NoError(t, s.SaveIdentity(id))

	loaded := s.LoadIdentity()
	assert.Equal(t, id, loaded)
}

func TestStore_GetBool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ini")
	s, err := Open(path)
	require.NoError(t, err)

	assert.True(t, s.GetBool("feature", "enabled", true))
	require.NoError(t, s.Set("feature", "enabled", "false"))
	assert.False(t, s.GetBool("feature", "enabled", true))
}

func TestStore_Sections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ini")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("identity", "charge_point_id", "CP-001"))
	require.NoError(t, s.Set("feature", "enabled", "true"))

	assert.ElementsMatch(t, []string{"identity", "feature"}, s.Sections())
}
