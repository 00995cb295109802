package scene

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/sim/env"
	"github.com/signalsfoundry/simenv/model"
)

const lab = `
bodies:
  - name: table
    links:
      - name: top
        pos: [0, 0, 0.7]
        extents: [0.6, 0.4, 0.02]
  - name: cup
    links:
      - {name: shell, pos: [0.2, 0, 0.75]}
    attached: [table]
robots:
  - name: arm
    dof: [0, 0.5]
    links:
      - {name: base}
      - {name: hand, pos: [0, 0, 0.4], rot: [2, 0, 0, 0]}
    grab:
      - {body: cup, link: hand}
`

func newEnv(t *testing.T) *env.Environment {
	t.Helper()
	e := env.New(env.WithSceneParser(NewParser()))
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(e.Destroy)
	return e
}

func TestParseDataBuildsScene(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.LoadData(context.Background(), []byte(lab)))

	require.Len(t, e.Bodies(), 3)
	require.Len(t, e.Robots(), 1)

	table := e.Body("table")
	require.NotNil(t, table)
	assert.Equal(t, model.Vec3{X: 0.6, Y: 0.4, Z: 0.02}, table.Link(0).Extents)
	assert.Equal(t, model.Vec3{Z: 0.7}, table.Transform().Trans)

	cup := e.Body("cup")
	require.NotNil(t, cup)
	assert.Equal(t, model.Vec3{X: 0.05, Y: 0.05, Z: 0.05}, cup.Link(0).Extents)
	assert.True(t, cup.IsAttached(table))
	assert.True(t, table.IsAttached(cup))

	arm := e.Robot("arm")
	require.NotNil(t, arm)
	assert.Equal(t, []float64{0, 0.5}, arm.DOFValues())
	assert.Equal(t, model.IdentityQuat, arm.Link(1).Transform.Rot)
	assert.True(t, arm.IsGrabbing(cup))
	records := arm.GrabbedRecords()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RobotLink)
}

func TestParseDataRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "bodies:\n  - name: a\n    colour: red\n",
		"short position":  "bodies:\n  - name: a\n    links:\n      - {name: l, pos: [1, 2]}\n",
		"bad rotation":    "bodies:\n  - name: a\n    links:\n      - {name: l, rot: [1, 0, 0]}\n",
		"unknown attach":  "bodies:\n  - name: a\n    attached: [ghost]\n",
		"body grabs":      "bodies:\n  - name: a\n  - name: b\n    grab:\n      - {body: a, link: l}\n",
		"missing link":    "bodies:\n  - name: a\nrobots:\n  - name: r\n    links: [{name: base}]\n    grab:\n      - {body: a, link: hand}\n",
		"not yaml":        "bodies: [",
		"invalid name":    "bodies:\n  - name: 'two words'\n",
		"unknown factory": "bodies:\n  - name: a\n    type: MeshBody\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			assert.Error(t, e.LoadData(context.Background(), []byte(doc)))
		})
	}
}

func TestParseDataNamingConflicts(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.LoadData(context.Background(), []byte("bodies:\n  - name: box\n")))

	err := e.LoadData(context.Background(), []byte("bodies:\n  - name: box\n"))
	assert.ErrorIs(t, err, core.ErrNamingConflict)

	require.NoError(t, e.LoadData(context.Background(), []byte("bodies:\n  - name: box\n    anonymous: true\n")))
	assert.Len(t, e.Bodies(), 2)
}

func TestParseDataRelinksAnonymousDuplicatesByPosition(t *testing.T) {
	e := newEnv(t)
	doc := `
bodies:
  - name: table
  - name: box
    anonymous: true
    attached: [table]
  - name: box
    anonymous: true
robots:
  - name: arm
    anonymous: true
    links: [{name: base}]
  - name: arm
    anonymous: true
    links: [{name: base}, {name: hand}]
    grab:
      - {body: table, link: hand}
`
	require.NoError(t, e.LoadData(context.Background(), []byte(doc)))

	table := e.Body("table")
	first, second := e.Body("box"), e.Body("box0")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.True(t, first.IsAttached(table))
	assert.False(t, second.IsAttached(table))

	require.NotNil(t, e.Robot("arm"))
	require.NotNil(t, e.Robot("arm0"))
	assert.False(t, e.Robot("arm").IsGrabbing(table))
	assert.True(t, e.Robot("arm0").IsGrabbing(table))
}

func TestDecodeEmptyDocument(t *testing.T) {
	doc, err := Decode([]byte("# nothing here\n"))
	require.NoError(t, err)
	assert.Empty(t, doc.Bodies)
	assert.Empty(t, doc.Robots)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	src := newEnv(t)
	require.NoError(t, src.LoadData(context.Background(), []byte(lab)))

	path := filepath.Join(t.TempDir(), "out", "lab"+Ext)
	require.NoError(t, src.Save(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	dst := newEnv(t)
	require.NoError(t, dst.Load(context.Background(), path))

	for _, b := range src.Bodies() {
		got := dst.Body(b.Name())
		require.NotNil(t, got, b.Name())
		assert.Equal(t, b.LinkTransforms(), got.LinkTransforms(), b.Name())
		assert.Equal(t, b.DOFValues(), got.DOFValues(), b.Name())
		assert.Equal(t, b.IsRobot(), got.IsRobot(), b.Name())
	}
	assert.True(t, dst.Body("cup").IsAttached(dst.Body("table")))
	assert.True(t, dst.Robot("arm").IsGrabbing(dst.Body("cup")))
}

func TestParseFileMissing(t *testing.T) {
	e := newEnv(t)
	err := e.Load(context.Background(), filepath.Join(t.TempDir(), "absent"+Ext))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestShippedLabSceneLoads(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.Load(context.Background(), filepath.Join("..", "..", "data", "lab1"+Ext)))
	assert.Len(t, e.Bodies(), 5)
	arm := e.Robot("arm")
	require.NotNil(t, arm)
	assert.True(t, arm.IsGrabbing(e.Body("mug")))
	assert.True(t, e.Body("crate").IsAttached(e.Body("table1")))
}
