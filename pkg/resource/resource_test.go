package resource

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/pimengine/pkg/config"
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/query"
	"github.com/cuemby/pimengine/pkg/remoteid"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonProperty(payload []byte, name string) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	v, ok := doc[name].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func newTestInstance(t *testing.T) *Instance {
	t.Helper()

	cfg := config.StoreConfig{
		StorageRoot:        t.TempDir(),
		InstanceID:         "mail.test",
		MapSizeBytes:       config.DefaultMapSizeBytes,
		RetentionRevisions: config.DefaultRetentionRevisions,
	}

	reg := TypeRegistration{
		EntityType: "mail",
		IndexDefinitions: []domain.IndexDefinition{{
			Property: "folder",
			Extractor: func(payload []byte) ([][]byte, bool) {
				v, ok := jsonProperty(payload, "folder")
				if !ok {
					return nil, false
				}
				return [][]byte{[]byte(v)}, true
			},
		}},
		QueryDescriptor: query.TypeDescriptor{Property: jsonProperty},
	}

	inst, err := NewInstance(cfg, []TypeRegistration{reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	inst.Pipeline.Start()
	return inst
}

func TestInstanceIngestAndQueryEndToEnd(t *testing.T) {
	inst := newTestInstance(t)

	rev, err := inst.Pipeline.NewEntity("mail", domain.UID("m1"), []byte(`{"folder":"inbox"}`), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	result, err := inst.Query.Run(context.Background(), domain.Query{
		EntityType:     "mail",
		PropertyFilter: map[string]string{"folder": "inbox"},
		ProcessAll:     true,
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.True(t, result.Rows[0].Entity.UID.Equal(domain.UID("m1")))
}

func TestInstanceOwnsSeparateSynchronizationStore(t *testing.T) {
	inst := newTestInstance(t)

	// The mapping store has its own writer, independent of the main
	// store's pipeline-owned one.
	txn, err := inst.Mapper.Store().Begin(store.ReadWrite)
	require.NoError(t, err)
	uid, err := remoteid.ResolveRemoteID(txn, "mail", "maildir/cur/a")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	assert.NotEmpty(t, uid)

	assert.NotEqual(t, inst.Config.MainStorePath(), inst.Config.SynchronizationStorePath())
}

func TestInstanceHealthStartsHealthy(t *testing.T) {
	inst := newTestInstance(t)
	assert.True(t, inst.Health.Status().Healthy)
}

func TestFactoryRegisterAndLoad(t *testing.T) {
	Register(&Factory{Name: "dummy"})

	f, err := Load("dummy")
	require.NoError(t, err)
	assert.Equal(t, "dummy", f.Name)
	assert.Contains(t, Names(), "dummy")

	_, err = Load("no-such-resource")
	assert.Error(t, err)
}

func TestFactoryCreateResource(t *testing.T) {
	f := &Factory{Name: "dummy"}
	cfg := config.StoreConfig{
		StorageRoot: t.TempDir(),
		InstanceID:  "dummy.instance1",
	}

	inst, err := f.CreateResource(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	assert.Equal(t, "dummy.instance1", inst.Config.InstanceID)
}
