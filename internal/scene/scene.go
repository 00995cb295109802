// Package scene reads and writes the YAML scene markup used by simenv hosts.
//
// A document lists bodies and robots. Each entry names its links (a box per
// link, given by a pose and half extents), its joint values and, for robots,
// the bodies it grabs:
//
//	bodies:
//	  - name: table
//	    links:
//	      - name: top
//	        pos: [0, 0, 0.7]
//	        extents: [0.6, 0.4, 0.02]
//	robots:
//	  - name: arm
//	    dof: [0, 0.5]
//	    links:
//	      - {name: base}
//	      - {name: hand, pos: [0, 0, 0.4]}
//	    grab:
//	      - {body: cup, link: hand}
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

// Ext is the file extension of scene markup.
const Ext = ".env.yaml"

// Document is the decoded form of a scene file.
type Document struct {
	Bodies []BodySpec `yaml:"bodies,omitempty"`
	Robots []BodySpec `yaml:"robots,omitempty"`
}

// BodySpec describes one body or robot.
type BodySpec struct {
	Name string `yaml:"name"`
	// Type is the factory identifier; empty selects the default body.
	Type      string     `yaml:"type,omitempty"`
	Anonymous bool       `yaml:"anonymous,omitempty"`
	Links     []LinkSpec `yaml:"links,omitempty"`
	DOF       []float64  `yaml:"dof,omitempty,flow"`
	Attached  []string   `yaml:"attached,omitempty,flow"`
	Grab      []GrabSpec `yaml:"grab,omitempty"`
}

// LinkSpec is a box-shaped link. Rot is (w, x, y, z) and is normalised on
// load.
type LinkSpec struct {
	Name    string    `yaml:"name"`
	Pos     []float64 `yaml:"pos,omitempty,flow"`
	Rot     []float64 `yaml:"rot,omitempty,flow"`
	Extents []float64 `yaml:"extents,omitempty,flow"`
}

// GrabSpec makes a robot hold body with the named link.
type GrabSpec struct {
	Body string `yaml:"body"`
	Link string `yaml:"link"`
}

// Decode parses a document without touching any scene. An empty document
// decodes to an empty scene.
func Decode(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode scene: %v", core.ErrInvalidArguments, err)
	}
	return &doc, nil
}

// Parser implements core.SceneParser and core.SceneWriter for YAML markup.
type Parser struct{}

var (
	_ core.SceneParser = Parser{}
	_ core.SceneWriter = Parser{}
)

// NewParser returns the markup parser.
func NewParser() Parser { return Parser{} }

// ParseFile reads path and adds its contents to sc.
func (p Parser) ParseFile(sc core.Scene, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scene: %w", err)
	}
	return p.ParseData(sc, data)
}

// ParseData adds the bodies and robots described by data to sc. Bodies are
// added first, then robots, then attachments and grabs, so a robot may grab
// any body in the document. Bodies added before a failure stay in the scene.
func (Parser) ParseData(sc core.Scene, data []byte) error {
	doc, err := Decode(data)
	if err != nil {
		return err
	}

	// added parallels slices.Concat(doc.Bodies, doc.Robots). Anonymous
	// entries may share a document name, so relinking goes by position.
	added := make([]*model.Body, 0, len(doc.Bodies)+len(doc.Robots))
	byName := make(map[string]*model.Body, cap(added))
	for _, spec := range doc.Bodies {
		b, err := sc.NewBody(spec.Type)
		if err != nil {
			return fmt.Errorf("body %q: %w", spec.Name, err)
		}
		if b == nil {
			return fmt.Errorf("%w: no factory provides body type %q", core.ErrInvalidArguments, spec.Type)
		}
		if err := fill(b, spec); err != nil {
			return err
		}
		if err := sc.AddBody(b, spec.Anonymous); err != nil {
			return fmt.Errorf("body %q: %w", spec.Name, err)
		}
		added = append(added, b)
		byName[b.Name()] = b
	}
	for _, spec := range doc.Robots {
		r, err := sc.NewRobot(spec.Type)
		if err != nil {
			return fmt.Errorf("robot %q: %w", spec.Name, err)
		}
		if r == nil {
			return fmt.Errorf("%w: no factory provides robot type %q", core.ErrInvalidArguments, spec.Type)
		}
		if err := fill(r.Body, spec); err != nil {
			return err
		}
		if err := sc.AddRobot(r, spec.Anonymous); err != nil {
			return fmt.Errorf("robot %q: %w", spec.Name, err)
		}
		added = append(added, r.Body)
		byName[r.Name()] = r.Body
	}

	lookup := func(name string) *model.Body {
		if b, ok := byName[name]; ok {
			return b
		}
		return sc.Body(name)
	}
	for i, spec := range slices.Concat(doc.Bodies, doc.Robots) {
		self := added[i]
		for _, other := range spec.Attached {
			o := lookup(other)
			if o == nil {
				return fmt.Errorf("%w: %q attaches unknown body %q", core.ErrInvalidArguments, spec.Name, other)
			}
			self.Attach(o)
		}
		if len(spec.Grab) == 0 {
			continue
		}
		r := self.Robot()
		if r == nil {
			return fmt.Errorf("%w: body %q cannot grab", core.ErrInvalidArguments, spec.Name)
		}
		for _, g := range spec.Grab {
			o := lookup(g.Body)
			if o == nil {
				return fmt.Errorf("%w: %q grabs unknown body %q", core.ErrInvalidArguments, spec.Name, g.Body)
			}
			link := linkIndex(r.Body, g.Link)
			if link < 0 {
				return fmt.Errorf("%w: robot %q has no link %q", core.ErrInvalidArguments, spec.Name, g.Link)
			}
			if err := r.Grab(o, link); err != nil {
				return fmt.Errorf("%w: %v", core.ErrInvalidArguments, err)
			}
		}
	}
	return nil
}

func fill(b *model.Body, spec BodySpec) error {
	b.SetName(spec.Name)
	for _, l := range spec.Links {
		t, err := l.transform()
		if err != nil {
			return fmt.Errorf("%w: %q link %q: %v", core.ErrInvalidArguments, spec.Name, l.Name, err)
		}
		ext, err := vec(l.Extents, model.Vec3{X: 0.05, Y: 0.05, Z: 0.05})
		if err != nil {
			return fmt.Errorf("%w: %q link %q extents: %v", core.ErrInvalidArguments, spec.Name, l.Name, err)
		}
		b.AddLink(l.Name, t, ext)
	}
	if len(spec.DOF) > 0 {
		b.SetDOFValues(spec.DOF)
	}
	return nil
}

var errComponents = errors.New("wrong number of components")

func vec(v []float64, def model.Vec3) (model.Vec3, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 3:
		return model.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
	}
	return model.Vec3{}, errComponents
}

func (l LinkSpec) transform() (model.Transform, error) {
	t := model.IdentityTransform()
	pos, err := vec(l.Pos, model.Vec3{})
	if err != nil {
		return t, fmt.Errorf("pos: %w", err)
	}
	t.Trans = pos
	switch len(l.Rot) {
	case 0:
	case 4:
		t.Rot = model.Quat{W: l.Rot[0], X: l.Rot[1], Y: l.Rot[2], Z: l.Rot[3]}.Normalize()
	default:
		return t, fmt.Errorf("rot: %w", errComponents)
	}
	return t, nil
}

func linkIndex(b *model.Body, name string) int {
	for _, l := range b.Links() {
		if l.Name == name {
			return l.Index
		}
	}
	return -1
}

// Encode builds a document from the bodies and robots of sc.
func Encode(sc core.Scene) *Document {
	var doc Document
	names := func(ids []int) []string {
		var out []string
		for _, id := range ids {
			if o := sc.BodyByID(id); o != nil {
				out = append(out, o.Name())
			}
		}
		return out
	}
	for _, b := range sc.Bodies() {
		spec := BodySpec{Name: b.Name(), DOF: b.DOFValues(), Attached: names(b.AttachedIDs())}
		if b.XMLID() != model.DefaultBodyKind && b.XMLID() != model.DefaultRobotKind {
			spec.Type = b.XMLID()
		}
		for _, l := range b.Links() {
			spec.Links = append(spec.Links, linkSpec(l))
		}
		r := b.Robot()
		if r == nil {
			doc.Bodies = append(doc.Bodies, spec)
			continue
		}
		for _, g := range r.GrabbedRecords() {
			held, link := sc.BodyByID(g.BodyID), r.Link(g.RobotLink)
			if held == nil || link == nil {
				continue
			}
			spec.Grab = append(spec.Grab, GrabSpec{Body: held.Name(), Link: link.Name})
		}
		doc.Robots = append(doc.Robots, spec)
	}
	return &doc
}

func linkSpec(l *model.Link) LinkSpec {
	t := l.Transform
	s := LinkSpec{
		Name:    l.Name,
		Extents: []float64{l.Extents.X, l.Extents.Y, l.Extents.Z},
	}
	if t.Trans != (model.Vec3{}) {
		s.Pos = []float64{t.Trans.X, t.Trans.Y, t.Trans.Z}
	}
	if t.Rot != model.IdentityQuat {
		s.Rot = []float64{t.Rot.W, t.Rot.X, t.Rot.Y, t.Rot.Z}
	}
	return s
}

// WriteFile writes sc to path as markup.
func (Parser) WriteFile(sc core.Scene, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Encode(sc)); err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("write scene: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write scene: %w", err)
	}
	return nil
}
