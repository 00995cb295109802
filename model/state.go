package model

// BodyState is one entry of the published snapshot. It is built fresh on every
// refresh and must be treated as read-only by consumers.
type BodyState struct {
	Name       string
	ID         int
	Transforms []Transform
	DOFValues  []float64
	GuiData    any
	Body       *Body
}

// CaptureState snapshots the current state of b.
func CaptureState(b *Body) BodyState {
	return BodyState{
		Name:       b.Name(),
		ID:         b.ID(),
		Transforms: b.LinkTransforms(),
		DOFValues:  b.DOFValues(),
		GuiData:    b.GuiData(),
		Body:       b,
	}
}

// CloneOptions selects what Environment.Clone copies.
type CloneOptions int

const (
	CloneBodies CloneOptions = 1 << iota
	CloneViewer
	CloneSimulation
)

// Has reports whether every bit of o is set.
func (c CloneOptions) Has(o CloneOptions) bool { return c&o == o }

// TriangulateOptions selects which bodies TriangulateScene includes.
type TriangulateOptions int

const (
	TriangulateObstacles TriangulateOptions = iota + 1
	TriangulateRobots
	TriangulateEverything
	TriangulateBody
	TriangulateAllExceptBody
)
