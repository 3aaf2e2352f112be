package image

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	imageMagic = "CLOB"
	// Current schema version - increment when the wire layout changes
	imageSchemaVersion uint16 = 1
)

// ErrBadImage reports an input that is not a module image.
var ErrBadImage = errors.New("not a module image")

// WriteOptions controls serialization.
type WriteOptions struct {
	// PreserveTableIndices keeps every row at its original rid. Without it,
	// reference rows nothing points at are dropped and the survivors renumbered.
	PreserveTableIndices bool
}

type wireImage struct {
	Magic          string
	Schema         uint16
	Name           string
	AssemblyRefs   []string
	TypeRefs       []wireTypeRef
	TypeDefs       []wireTypeDef
	Fields         []wireField
	Methods        []wireMethod
	MemberRefs     []wireMemberRef
	TypeSpecs      []*wireSig
	MethodSpecs    []wireMethodSpec
	StandAloneSigs []wireMethodSig
	UserStrings    []string
	EntryPoint     uint32
}

type wireTypeRef struct {
	Scope     uint32
	Namespace string
	Name      string
}

type wireTypeDef struct {
	Namespace string
	Name      string
	Flags     uint32
	Extends   uint32
	Fields    []uint32
	Methods   []uint32
}

type wireField struct {
	Name  string
	Flags uint16
	Type  *wireSig
}

type wireMethod struct {
	Name      string
	Flags     uint16
	ImplFlags uint16
	Sig       wireMethodSig
	Body      *wireBody
}

type wireBody struct {
	InitLocals bool
	MaxStack   uint16
	Locals     []*wireSig
	Code       []byte
}

type wireMemberRef struct {
	Parent uint32
	Name   string
	Sig    wireMethodSig
}

type wireMethodSpec struct {
	Method uint32
	Args   []*wireSig
}

type wireMethodSig struct {
	HasThis      bool
	ExplicitThis bool
	CallConv     uint8
	Generic      int
	Ret          *wireSig
	Params       []*wireSig
}

type wireSig struct {
	Elem      uint8
	Type      uint32
	Inner     *wireSig
	Args      []*wireSig
	ValueInst bool
	Index     int
}

// WriteFile serializes m to path through a temporary file in the same
// directory, so a failed write never leaves a valid-looking output behind.
func WriteFile(path string, m *Module, opts WriteOptions) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".callobf-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	bw := bufio.NewWriter(f)
	if err = Write(bw, m, opts); err != nil {
		_ = f.Close()
		return err
	}
	if err = bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	// CreateTemp opens owner-only; outputs get the usual file mode.
	if err = f.Chmod(0o644); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// ReadFile loads a module image from path.
func ReadFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write serializes m.
func Write(w io.Writer, m *Module, opts WriteOptions) error {
	enc := &encoder{mod: m}
	if opts.PreserveTableIndices {
		enc.tokenOf = enc.ownedToken
	} else {
		enc.buildRemap()
		enc.tokenOf = enc.remappedToken
	}
	img, err := enc.encode()
	if err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(img)
}

// Read deserializes a module image.
func Read(r io.Reader) (*Module, error) {
	var img wireImage
	if err := msgpack.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if img.Magic != imageMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadImage, img.Magic)
	}
	if img.Schema != imageSchemaVersion {
		return nil, fmt.Errorf("%w: schema %d, want %d", ErrBadImage, img.Schema, imageSchemaVersion)
	}
	return decode(&img)
}

type encoder struct {
	mod     *Module
	tokenOf TokenFunc
	remap   map[Member]Token
	heap    StringHeap
}

// ownedToken returns the member's own token after checking the module owns that row.
func (e *encoder) ownedToken(member Member) (Token, error) {
	tok := member.Token()
	if tok.IsNil() {
		return NoToken, fmt.Errorf("%s has no token", member.FullName())
	}
	owned, err := e.mod.LookupToken(tok)
	if err != nil || owned != member {
		return NoToken, fmt.Errorf("%s (%s) is not a row of module %s", member.FullName(), tok, e.mod.Name)
	}
	return tok, nil
}

func (e *encoder) remappedToken(member Member) (Token, error) {
	if tok, ok := e.remap[member]; ok {
		return tok, nil
	}
	return e.ownedToken(member)
}

// buildRemap drops reference rows nothing reaches and renumbers the rest.
func (e *encoder) buildRemap() {
	mk := &marker{seen: make(map[Member]bool)}
	m := e.mod
	for _, t := range m.TypeDefs {
		mk.markType(t.Extends)
	}
	for _, f := range m.Fields {
		mk.markSig(f.Type)
	}
	for _, md := range m.Methods {
		mk.markMethodSig(md.Signature)
		if md.Body == nil {
			continue
		}
		for _, l := range md.Body.Locals {
			mk.markSig(l)
		}
		for _, ins := range md.Body.Instructions.Items() {
			if member, ok := ins.Operand.(Member); ok {
				mk.mark(member)
			}
		}
	}

	e.remap = make(map[Member]Token)
	renumber(e.remap, mk.seen, TableTypeRef, m.TypeRefs)
	renumber(e.remap, mk.seen, TableMemberRef, m.MemberRefs)
	renumber(e.remap, mk.seen, TableTypeSpec, m.TypeSpecs)
	renumber(e.remap, mk.seen, TableMethodSpec, m.MethodSpecs)
	renumber(e.remap, mk.seen, TableStandAloneSig, m.StandAloneSigs)
}

func renumber[T Member](remap map[Member]Token, seen map[Member]bool, table Table, rows []T) {
	next := 0
	for _, row := range rows {
		if !seen[row] {
			continue
		}
		next++
		remap[row] = NewToken(table, rid(next))
	}
}

type marker struct {
	seen map[Member]bool
}

func (mk *marker) mark(member Member) {
	if member == nil || mk.seen[member] {
		return
	}
	mk.seen[member] = true
	switch v := member.(type) {
	case *TypeSpec:
		mk.markSig(v.Sig)
	case *MemberRef:
		mk.markType(v.Parent)
		mk.markMethodSig(v.Signature)
	case *MethodSpec:
		mk.mark(v.Method)
		for _, a := range v.Args {
			mk.markSig(a)
		}
	case *StandAloneSig:
		mk.markMethodSig(v.Signature)
	}
}

func (mk *marker) markType(t TypeDescriptor) {
	if t != nil {
		mk.mark(t)
	}
}

func (mk *marker) markSig(s *TypeSig) {
	if s == nil {
		return
	}
	mk.markType(s.Type)
	mk.markSig(s.Inner)
	for _, a := range s.Args {
		mk.markSig(a)
	}
}

func (mk *marker) markMethodSig(sig *MethodSignature) {
	if sig == nil {
		return
	}
	mk.markSig(sig.Return)
	for _, p := range sig.Params {
		mk.markSig(p)
	}
}

func (e *encoder) encode() (*wireImage, error) {
	m := e.mod
	img := &wireImage{Magic: imageMagic, Schema: imageSchemaVersion, Name: m.Name}
	for _, a := range m.AssemblyRefs {
		img.AssemblyRefs = append(img.AssemblyRefs, a.Name)
	}
	for _, r := range m.TypeRefs {
		if !e.keep(r) {
			continue
		}
		scope := uint32(0)
		if r.Scope != nil {
			scope = uint32(r.Scope.Token())
		}
		img.TypeRefs = append(img.TypeRefs, wireTypeRef{Scope: scope, Namespace: r.Namespace, Name: r.Name})
	}
	for _, t := range m.TypeDefs {
		wt := wireTypeDef{Namespace: t.Namespace, Name: t.Name, Flags: uint32(t.Flags)}
		if t.Extends != nil {
			tok, err := e.tokenOf(t.Extends)
			if err != nil {
				return nil, fmt.Errorf("type %s: %w", t.FullName(), err)
			}
			wt.Extends = uint32(tok)
		}
		for _, f := range t.Fields {
			wt.Fields = append(wt.Fields, f.Token().Rid())
		}
		for _, md := range t.Methods {
			wt.Methods = append(wt.Methods, md.Token().Rid())
		}
		img.TypeDefs = append(img.TypeDefs, wt)
	}
	for _, f := range m.Fields {
		sig, err := e.sig(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		img.Fields = append(img.Fields, wireField{Name: f.Name, Flags: uint16(f.Flags), Type: sig})
	}
	for _, md := range m.Methods {
		wm, err := e.method(md)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", md.FullName(), err)
		}
		img.Methods = append(img.Methods, wm)
	}
	for _, r := range m.MemberRefs {
		if !e.keep(r) {
			continue
		}
		parent, err := e.tokenOf(r.Parent)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", r.FullName(), err)
		}
		sig, err := e.methodSig(r.Signature)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", r.FullName(), err)
		}
		img.MemberRefs = append(img.MemberRefs, wireMemberRef{Parent: uint32(parent), Name: r.Name, Sig: sig})
	}
	for _, s := range m.TypeSpecs {
		if !e.keep(s) {
			continue
		}
		sig, err := e.sig(s.Sig)
		if err != nil {
			return nil, err
		}
		img.TypeSpecs = append(img.TypeSpecs, sig)
	}
	for _, s := range m.MethodSpecs {
		if !e.keep(s) {
			continue
		}
		tok, err := e.tokenOf(s.Method)
		if err != nil {
			return nil, err
		}
		ws := wireMethodSpec{Method: uint32(tok)}
		for _, a := range s.Args {
			sig, err := e.sig(a)
			if err != nil {
				return nil, err
			}
			ws.Args = append(ws.Args, sig)
		}
		img.MethodSpecs = append(img.MethodSpecs, ws)
	}
	for _, s := range m.StandAloneSigs {
		if !e.keep(s) {
			continue
		}
		sig, err := e.methodSig(s.Signature)
		if err != nil {
			return nil, err
		}
		img.StandAloneSigs = append(img.StandAloneSigs, sig)
	}
	if m.EntryPoint != nil {
		img.EntryPoint = uint32(m.EntryPoint.Token())
	}
	img.UserStrings = e.heap.Strings
	return img, nil
}

func (e *encoder) keep(member Member) bool {
	if e.remap == nil {
		return true
	}
	_, ok := e.remap[member]
	return ok
}

func (e *encoder) method(md *MethodDef) (wireMethod, error) {
	sig, err := e.methodSig(md.Signature)
	if err != nil {
		return wireMethod{}, err
	}
	wm := wireMethod{Name: md.Name, Flags: uint16(md.Flags), ImplFlags: uint16(md.ImplFlags), Sig: sig}
	if md.Body == nil {
		return wm, nil
	}
	body := &wireBody{InitLocals: md.Body.InitLocals, MaxStack: md.Body.MaxStack}
	for _, l := range md.Body.Locals {
		ls, err := e.sig(l)
		if err != nil {
			return wireMethod{}, err
		}
		body.Locals = append(body.Locals, ls)
	}
	body.Code, err = Assemble(md.Body.Instructions, e.tokenOf, &e.heap)
	if err != nil {
		return wireMethod{}, err
	}
	wm.Body = body
	return wm, nil
}

func (e *encoder) methodSig(sig *MethodSignature) (wireMethodSig, error) {
	if sig == nil {
		return wireMethodSig{}, fmt.Errorf("missing signature")
	}
	out := wireMethodSig{
		HasThis:      sig.HasThis,
		ExplicitThis: sig.ExplicitThis,
		CallConv:     uint8(sig.CallConv),
		Generic:      sig.GenericParams,
	}
	var err error
	if out.Ret, err = e.sig(sig.Return); err != nil {
		return wireMethodSig{}, err
	}
	for _, p := range sig.Params {
		ps, err := e.sig(p)
		if err != nil {
			return wireMethodSig{}, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

func (e *encoder) sig(s *TypeSig) (*wireSig, error) {
	if s == nil {
		return nil, nil
	}
	out := &wireSig{Elem: uint8(s.Elem), ValueInst: s.ValueInst, Index: s.Index}
	if s.Type != nil {
		tok, err := e.tokenOf(s.Type)
		if err != nil {
			return nil, err
		}
		out.Type = uint32(tok)
	}
	var err error
	if out.Inner, err = e.sig(s.Inner); err != nil {
		return nil, err
	}
	for _, a := range s.Args {
		as, err := e.sig(a)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, as)
	}
	return out, nil
}

func decode(img *wireImage) (*Module, error) {
	m := &Module{Name: img.Name}
	for _, name := range img.AssemblyRefs {
		a := &AssemblyRef{Name: name}
		m.AssemblyRefs = append(m.AssemblyRefs, a)
		a.token = NewToken(TableAssemblyRef, rid(len(m.AssemblyRefs)))
	}
	for _, wr := range img.TypeRefs {
		r := &TypeRef{Namespace: wr.Namespace, Name: wr.Name}
		if wr.Scope != 0 {
			scope, err := m.LookupToken(Token(wr.Scope))
			if err != nil {
				return nil, fmt.Errorf("%w: type ref %s: %w", ErrBadImage, r.FullName(), err)
			}
			a, ok := scope.(*AssemblyRef)
			if !ok {
				return nil, fmt.Errorf("%w: type ref %s: scope is not an assembly", ErrBadImage, r.FullName())
			}
			r.Scope = a
		}
		m.AddTypeRef(r)
	}
	for _, wt := range img.TypeDefs {
		t := &TypeDef{Namespace: wt.Namespace, Name: wt.Name, Flags: TypeAttributes(wt.Flags), Module: m}
		m.TypeDefs = append(m.TypeDefs, t)
		t.token = NewToken(TableTypeDef, rid(len(m.TypeDefs)))
	}
	for _, wf := range img.Fields {
		f := &FieldDef{Name: wf.Name, Flags: FieldAttributes(wf.Flags)}
		m.Fields = append(m.Fields, f)
		f.token = NewToken(TableField, rid(len(m.Fields)))
	}
	for _, wm := range img.Methods {
		md := &MethodDef{Name: wm.Name, Flags: MethodAttributes(wm.Flags), ImplFlags: MethodImplAttributes(wm.ImplFlags)}
		m.Methods = append(m.Methods, md)
		md.token = NewToken(TableMethod, rid(len(m.Methods)))
	}
	for _, wr := range img.MemberRefs {
		m.AddMemberRef(&MemberRef{Name: wr.Name})
	}
	for range img.TypeSpecs {
		m.AddTypeSpec(&TypeSpec{})
	}
	for range img.MethodSpecs {
		m.AddMethodSpec(&MethodSpec{})
	}
	for range img.StandAloneSigs {
		m.AddStandAloneSig(&StandAloneSig{})
	}

	d := &decoder{mod: m}
	if err := d.fill(img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	return m, nil
}

type decoder struct {
	mod *Module
}

func (d *decoder) fill(img *wireImage) error {
	m := d.mod
	for i, wt := range img.TypeDefs {
		t := m.TypeDefs[i]
		if wt.Extends != 0 {
			ext, err := d.typeDesc(wt.Extends)
			if err != nil {
				return fmt.Errorf("type %s: %w", t.FullName(), err)
			}
			t.Extends = ext
		}
		for _, r := range wt.Fields {
			if r == 0 || int(r) > len(m.Fields) {
				return fmt.Errorf("type %s: field rid %d out of range", t.FullName(), r)
			}
			f := m.Fields[r-1]
			f.DeclaringType = t
			t.Fields = append(t.Fields, f)
		}
		for _, r := range wt.Methods {
			if r == 0 || int(r) > len(m.Methods) {
				return fmt.Errorf("type %s: method rid %d out of range", t.FullName(), r)
			}
			md := m.Methods[r-1]
			md.DeclaringType = t
			t.Methods = append(t.Methods, md)
		}
	}
	for i, wf := range img.Fields {
		s, err := d.sig(wf.Type)
		if err != nil {
			return fmt.Errorf("field %s: %w", wf.Name, err)
		}
		m.Fields[i].Type = s
	}
	for i, wm := range img.Methods {
		sig, err := d.methodSig(wm.Sig)
		if err != nil {
			return fmt.Errorf("method %s: %w", wm.Name, err)
		}
		m.Methods[i].Signature = sig
	}
	for i, wr := range img.MemberRefs {
		parent, err := d.typeDesc(wr.Parent)
		if err != nil {
			return fmt.Errorf("member %s: %w", wr.Name, err)
		}
		sig, err := d.methodSig(wr.Sig)
		if err != nil {
			return fmt.Errorf("member %s: %w", wr.Name, err)
		}
		m.MemberRefs[i].Parent = parent
		m.MemberRefs[i].Signature = sig
	}
	for i, ws := range img.TypeSpecs {
		s, err := d.sig(ws)
		if err != nil {
			return fmt.Errorf("type spec %d: %w", i+1, err)
		}
		m.TypeSpecs[i].Sig = s
	}
	for i, ws := range img.MethodSpecs {
		md, err := m.LookupMethod(Token(ws.Method))
		if err != nil {
			return fmt.Errorf("method spec %d: %w", i+1, err)
		}
		spec := m.MethodSpecs[i]
		spec.Method = md
		for _, a := range ws.Args {
			s, err := d.sig(a)
			if err != nil {
				return fmt.Errorf("method spec %d: %w", i+1, err)
			}
			spec.Args = append(spec.Args, s)
		}
	}
	for i, ws := range img.StandAloneSigs {
		sig, err := d.methodSig(ws)
		if err != nil {
			return fmt.Errorf("standalone sig %d: %w", i+1, err)
		}
		m.StandAloneSigs[i].Signature = sig
	}

	heap := &StringHeap{Strings: img.UserStrings}
	for i, wm := range img.Methods {
		if wm.Body == nil {
			continue
		}
		md := m.Methods[i]
		body := &MethodBody{InitLocals: wm.Body.InitLocals, MaxStack: wm.Body.MaxStack}
		for _, l := range wm.Body.Locals {
			s, err := d.sig(l)
			if err != nil {
				return fmt.Errorf("method %s: local: %w", md.Name, err)
			}
			body.Locals = append(body.Locals, s)
		}
		list, err := Disassemble(wm.Body.Code, m.LookupToken, heap)
		if err != nil {
			return fmt.Errorf("method %s: %w", md.Name, err)
		}
		body.Instructions = list
		md.Body = body
	}

	if img.EntryPoint != 0 {
		member, err := m.LookupToken(Token(img.EntryPoint))
		if err != nil {
			return fmt.Errorf("entry point: %w", err)
		}
		ep, ok := member.(*MethodDef)
		if !ok {
			return fmt.Errorf("entry point %s is not a method definition", Token(img.EntryPoint))
		}
		m.EntryPoint = ep
	}
	return nil
}

func (d *decoder) typeDesc(raw uint32) (TypeDescriptor, error) {
	member, err := d.mod.LookupToken(Token(raw))
	if err != nil {
		return nil, err
	}
	t, ok := member.(TypeDescriptor)
	if !ok {
		return nil, fmt.Errorf("token %s is not a type", Token(raw))
	}
	return t, nil
}

func (d *decoder) methodSig(ws wireMethodSig) (*MethodSignature, error) {
	sig := &MethodSignature{
		HasThis:       ws.HasThis,
		ExplicitThis:  ws.ExplicitThis,
		CallConv:      CallingConvention(ws.CallConv),
		GenericParams: ws.Generic,
	}
	var err error
	if sig.Return, err = d.sig(ws.Ret); err != nil {
		return nil, err
	}
	if sig.Return == nil {
		return nil, fmt.Errorf("signature without return type")
	}
	for _, p := range ws.Params {
		ps, err := d.sig(p)
		if err != nil {
			return nil, err
		}
		sig.Params = append(sig.Params, ps)
	}
	return sig, nil
}

func (d *decoder) sig(ws *wireSig) (*TypeSig, error) {
	if ws == nil {
		return nil, nil
	}
	out := &TypeSig{Elem: ElementType(ws.Elem), ValueInst: ws.ValueInst, Index: ws.Index}
	if ws.Type != 0 {
		t, err := d.typeDesc(ws.Type)
		if err != nil {
			return nil, err
		}
		out.Type = t
	}
	var err error
	if out.Inner, err = d.sig(ws.Inner); err != nil {
		return nil, err
	}
	for _, a := range ws.Args {
		as, err := d.sig(a)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, as)
	}
	return out, nil
}
