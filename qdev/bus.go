package qdev

import (
	"fmt"
	"sort"
	"strings"
)

// BusSpec is a predicate over bus attributes. Empty fields match anything.
type BusSpec struct {
	ID      string `yaml:"id,omitempty" json:"id,omitempty"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	AObject string `yaml:"aobject,omitempty" json:"aobject,omitempty"`

	// Optional specs are skipped when no bus matches.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

func (s BusSpec) String() string {
	parts := make([]string, 0, 3)

	if s.ID != "" {
		parts = append(parts, "id="+s.ID)
	}
	if s.Type != "" {
		parts = append(parts, "type="+s.Type)
	}
	if s.AObject != "" {
		parts = append(parts, "aobject="+s.AObject)
	}

	return "{" + strings.Join(parts, ",") + "}"
}

type SlotStatus int

const (
	SlotFree SlotStatus = iota
	SlotNoFree
	SlotOutOfRange
)

func (s SlotStatus) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotNoFree:
		return "no free slot"
	case SlotOutOfRange:
		return "out of range"
	}

	return "unknown"
}

// Problem is a placement constraint violation reported by a bus.
type Problem int

const (
	ProblemBusID Problem = iota + 1
	ProblemBasicAddress
	ProblemNoFreeSlot
	ProblemUsedSlot
	ProblemBadAddr
)

func (p Problem) String() string {
	switch p {
	case ProblemBusID:
		return "BusId"
	case ProblemBasicAddress:
		return "BasicAddress"
	case ProblemNoFreeSlot:
		return "NoFreeSlot"
	case ProblemUsedSlot:
		return "UsedSlot"
	case ProblemBadAddr:
		return "BadAddr"
	}

	return "Unknown"
}

// Placement is the result of Bus.Insert.
type Placement struct {
	Placed   bool
	Bad      bool
	Slot     string
	Problems []Problem
	Detail   string
}

func (p *Placement) OK() bool {
	return p.Placed && len(p.Problems) == 0
}

func (p *Placement) Has(x Problem) bool {
	for _, v := range p.Problems {
		if v == x {
			return true
		}
	}
	return false
}

type slotEntry struct {
	addr Address
	dev  *Device // nil means reserved
}

// Bus is an address space devices are plugged into.
type Bus struct {
	id      string
	kind    string
	aobject string
	busItem string

	fields []string
	sizes  []int
	first  int
	dense  bool
	codec  addrCodec

	good map[string]*slotEntry
	bad  map[string]*Device
}

func newBus(id, kind, aobject string, fields []string, sizes []int, dense bool, codec addrCodec) *Bus {
	if len(fields) != len(sizes) {
		panic(fmt.Sprintf("bus %s: %d address fields but %d sizes", id, len(fields), len(sizes)))
	}

	return &Bus{
		id:      id,
		kind:    kind,
		aobject: aobject,
		busItem: "bus",
		fields:  append([]string(nil), fields...),
		sizes:   append([]int(nil), sizes...),
		dense:   dense,
		codec:   codec,
		good:    make(map[string]*slotEntry),
		bad:     make(map[string]*Device),
	}
}

// NewSparseBus returns a bus that prints only occupied slots.
func NewSparseBus(id, kind, aobject string, fields []string, sizes []int) *Bus {
	return newBus(id, kind, aobject, fields, sizes, false, decimalCodec{})
}

// NewDenseBus returns a bus that prints every slot in range.
func NewDenseBus(id, kind, aobject string, fields []string, sizes []int) *Bus {
	return newBus(id, kind, aobject, fields, sizes, true, decimalCodec{})
}

// NewPCIBus returns a dense bus addressed by hexadecimal slot numbers.
func NewPCIBus(id, kind, aobject string, slots int) *Bus {
	return newBus(id, kind, aobject, []string{"addr"}, []int{slots}, true, hexCodec{})
}

func NewSCSIBus(id, aobject string, targets, luns int) *Bus {
	return NewSparseBus(id, "SCSI", aobject, []string{"scsi-id", "lun"}, []int{targets, luns})
}

// NewUSBBus returns a bus with ports numbered from 1.
func NewUSBBus(id, aobject string, ports int) *Bus {
	b := NewSparseBus(id, "USB", aobject, []string{"port"}, []int{ports})
	b.first = 1
	return b
}

func NewIDEBus(id, aobject string, units int) *Bus {
	return NewSparseBus(id, "IDE", aobject, []string{"unit"}, []int{units})
}

func (b *Bus) ID() string      { return b.id }
func (b *Bus) Type() string    { return b.kind }
func (b *Bus) AObject() string { return b.aobject }
func (b *Bus) Dense() bool     { return b.dense }

func (b *Bus) Fields() []string {
	return append([]string(nil), b.fields...)
}

func (b *Bus) Sizes() []int {
	return append([]int(nil), b.sizes...)
}

func (b *Bus) Match(spec BusSpec) bool {
	if spec.ID != "" && spec.ID != b.id {
		return false
	}
	if spec.Type != "" && spec.Type != b.kind {
		return false
	}
	if spec.AObject != "" && spec.AObject != b.aobject {
		return false
	}

	return true
}

// Key returns the canonical slot key of addr.
func (b *Bus) Key(addr Address) string {
	parts := make([]string, len(addr))

	for i, x := range addr {
		if x == Unspecified {
			parts[i] = "*"
		} else {
			parts[i] = b.codec.format(x + b.first)
		}
	}

	return strings.Join(parts, "-")
}

func (b *Bus) inRange(addr Address) bool {
	for i, x := range addr {
		if x == Unspecified {
			continue
		}
		if x < 0 || x >= b.sizes[i] {
			return false
		}
	}

	return true
}

// increment advances addr like an odometer, changing only the fields
// unspecified in pattern. The last field varies fastest.
func (b *Bus) increment(pattern, addr Address) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if pattern[i] != Unspecified {
			continue
		}
		if addr[i] < b.sizes[i]-1 {
			addr[i]++
			return true
		}
		addr[i] = 0
	}

	return false
}

// AllocateFreeSlot returns the first usable address matching pattern.
// Reserved slots are usable.
func (b *Bus) AllocateFreeSlot(pattern Address) (Address, SlotStatus) {
	if pattern == nil {
		pattern = UnspecifiedAddress(len(b.fields))
	}

	if len(pattern) != len(b.fields) || !b.inRange(pattern) {
		return nil, SlotOutOfRange
	}

	addr := pattern.Clone()
	for i := range addr {
		if addr[i] == Unspecified {
			addr[i] = 0
		}
	}

	for {
		if e, used := b.good[b.Key(addr)]; !used || e.dev == nil {
			return addr, SlotFree
		}
		if !b.increment(pattern, addr) {
			return nil, SlotNoFree
		}
	}
}

func (b *Bus) deviceBusID(dev *Device) (string, bool) {
	if v, ok := dev.Get(b.busItem); ok {
		return v.Text(), true
	}
	return "", false
}

// deviceAddr returns the address requested by dev. The second result
// tells which fields dev sets, since an explicit value below the first
// slot of the bus is stored as a negative offset and may equal Unspecified.
func (b *Bus) deviceAddr(dev *Device) (Address, []bool, error) {
	addr := UnspecifiedAddress(len(b.fields))
	specified := make([]bool, len(b.fields))

	for i, name := range b.fields {
		v, ok := dev.Get(name)
		if !ok {
			continue
		}
		x, err := b.codec.parse(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s=%s: %w", name, v, err)
		}
		addr[i] = x - b.first
		specified[i] = true
	}

	return addr, specified, nil
}

func belowRange(addr Address, specified []bool) bool {
	for i, ok := range specified {
		if ok && addr[i] < 0 {
			return true
		}
	}
	return false
}

// requestKey is like Key but prints every field the device set,
// including values below the first slot.
func (b *Bus) requestKey(addr Address, specified []bool) string {
	parts := make([]string, len(addr))

	for i, x := range addr {
		if specified[i] {
			parts[i] = b.codec.format(x + b.first)
		} else {
			parts[i] = "*"
		}
	}

	return strings.Join(parts, "-")
}

func (b *Bus) writeBusID(dev *Device, strict bool) {
	if strict || dev.Has(b.busItem) {
		dev.Set(b.busItem, String(b.id))
	}
}

func (b *Bus) writeAddr(dev *Device, addr Address, strict bool) {
	b.writeBusID(dev, strict)

	for i, name := range b.fields {
		if addr[i] == Unspecified {
			continue
		}
		if strict || dev.Has(name) {
			dev.Set(name, b.codec.value(addr[i]+b.first))
		}
	}
}

func (b *Bus) insertBad(dev *Device, key string) string {
	for i := 0; ; i++ {
		k := fmt.Sprintf("%s(%d)", key, i)
		if _, ok := b.bad[k]; !ok {
			b.bad[k] = dev
			return k
		}
	}
}

// Insert plugs dev into the bus. Without force a failed insertion
// leaves both the bus and the device untouched. With force the device
// is always placed, into the bad slots if needed, and the problems are
// described in the returned placement.
func (b *Bus) Insert(dev *Device, strict, force bool) *Placement {
	res := Placement{}

	if busid, ok := b.deviceBusID(dev); ok && busid != b.id {
		if !force {
			res.Problems = []Problem{ProblemBusID}
			res.Detail = fmt.Sprintf("device requires bus %s", busid)
			return &res
		}
		res.Problems = append(res.Problems, ProblemBusID)
		dev.Set(b.busItem, String(b.id))
	}

	pattern, specified, err := b.deviceAddr(dev)
	if err != nil {
		if !force {
			res.Problems = []Problem{ProblemBasicAddress}
			res.Detail = err.Error()
			return &res
		}
		res.Problems = append(res.Problems, ProblemBasicAddress)
		pattern = UnspecifiedAddress(len(b.fields))
		specified = make([]bool, len(b.fields))
	}

	var addr Address
	var status SlotStatus

	if belowRange(pattern, specified) {
		status = SlotOutOfRange
	} else {
		addr, status = b.AllocateFreeSlot(pattern)
	}

	switch status {
	case SlotFree:
		res.Slot = b.Key(addr)
		b.good[res.Slot] = &slotEntry{addr: addr, dev: dev}
	case SlotNoFree:
		p := ProblemNoFreeSlot
		if pattern.Complete() {
			p = ProblemUsedSlot
		}
		if !force {
			res.Problems = []Problem{p}
			res.Detail = fmt.Sprintf("%s(%s)", p, b.Key(pattern))
			return &res
		}
		res.Problems = append(res.Problems, p)
		// Use the last valid address for the unspecified fields
		addr = pattern.Clone()
		for i := range addr {
			if addr[i] == Unspecified {
				addr[i] = b.sizes[i] - 1
			}
		}
		res.Slot = b.insertBad(dev, b.Key(addr))
		res.Bad = true
	case SlotOutOfRange:
		key := b.requestKey(pattern, specified)
		if !force {
			res.Problems = []Problem{ProblemBadAddr}
			res.Detail = fmt.Sprintf("%s(%s)", ProblemBadAddr, key)
			return &res
		}
		res.Problems = append(res.Problems, ProblemBadAddr)
		res.Slot = b.insertBad(dev, key)
		res.Bad = true
		// The requested values are kept as they are
		b.writeBusID(dev, strict)
		res.Placed = true
		res.Detail = b.forceDetail(dev, res.Problems)
		return &res
	}

	b.writeAddr(dev, addr, strict)

	res.Placed = true

	if len(res.Problems) > 0 {
		res.Detail = b.forceDetail(dev, res.Problems)
	}

	return &res
}

func (b *Bus) forceDetail(dev *Device, problems []Problem) string {
	names := make([]string, 0, len(problems))
	for _, p := range problems {
		names = append(names, p.String())
	}

	return fmt.Sprintf("force adding device %s into %s (errors: %s)", dev, b.id, strings.Join(names, ", "))
}

// Reserve marks a slot as taken by an implicit device. Reserved slots
// stay available to the allocator.
func (b *Bus) Reserve(addr Address) error {
	if len(addr) != len(b.fields) || !addr.Complete() || !b.inRange(addr) {
		return fmt.Errorf("%w: cannot reserve %s on %s", ErrInvalidValue, b.Key(addr), b.id)
	}

	key := b.Key(addr)

	if e, ok := b.good[key]; ok && e.dev != nil {
		return fmt.Errorf("%w: slot %s on %s is used by %s", ErrInvalidValue, key, b.id, e.dev)
	}

	b.good[key] = &slotEntry{addr: addr.Clone()}

	return nil
}

// ParseAddress converts textual field values (as they would appear on
// the command line) into an Address.
func (b *Bus) ParseAddress(values ...string) (Address, error) {
	if len(values) != len(b.fields) {
		return nil, fmt.Errorf("%w: bus %s expects %d address fields", ErrInvalidValue, b.id, len(b.fields))
	}

	addr := make(Address, len(values))

	for i, s := range values {
		x, err := b.codec.parse(String(s))
		if err != nil {
			return nil, err
		}
		addr[i] = x - b.first
	}

	return addr, nil
}

func (b *Bus) IsReserved(key string) bool {
	e, ok := b.good[key]
	return ok && e.dev == nil
}

// Remove unplugs dev from whichever slot holds it.
func (b *Bus) Remove(dev *Device) bool {
	var found bool

	for k, e := range b.good {
		if e.dev == dev {
			delete(b.good, k)
			found = true
		}
	}

	for k, d := range b.bad {
		if d == dev {
			delete(b.bad, k)
			found = true
		}
	}

	return found
}

func (b *Bus) Contains(dev *Device) bool {
	for _, e := range b.good {
		if e.dev == dev {
			return true
		}
	}
	for _, d := range b.bad {
		if d == dev {
			return true
		}
	}

	return false
}

func (b *Bus) sortedGood() []*slotEntry {
	entries := make([]*slotEntry, 0, len(b.good))

	for _, e := range b.good {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i].addr, entries[j].addr
		for k := range a {
			if a[k] != c[k] {
				return a[k] < c[k]
			}
		}
		return false
	})

	return entries
}

func (b *Bus) sortedBadKeys() []string {
	keys := make([]string, 0, len(b.bad))

	for k := range b.bad {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Devices returns the plugged devices: good slots in address order,
// then bad slots.
func (b *Bus) Devices() []*Device {
	devs := make([]*Device, 0, len(b.good)+len(b.bad))

	for _, e := range b.sortedGood() {
		if e.dev != nil {
			devs = append(devs, e.dev)
		}
	}

	for _, k := range b.sortedBadKeys() {
		devs = append(devs, b.bad[k])
	}

	return devs
}

// GoodSlots returns a copy of the occupied slots. Reserved slots map to nil.
func (b *Bus) GoodSlots() map[string]*Device {
	m := make(map[string]*Device, len(b.good))

	for k, e := range b.good {
		m[k] = e.dev
	}

	return m
}

func (b *Bus) BadSlots() map[string]*Device {
	m := make(map[string]*Device, len(b.bad))

	for k, d := range b.bad {
		m[k] = d
	}

	return m
}

func (b *Bus) Len() int {
	return len(b.Devices())
}

func (b *Bus) header() string {
	return fmt.Sprintf("%s(%s)", b.id, b.kind)
}

func (b *Bus) slotLabel(e *slotEntry) string {
	if e.dev == nil {
		return "reserved"
	}
	return e.dev.Name()
}

// String returns a one-line summary of the bus.
func (b *Bus) String() string {
	parts := make([]string, 0, len(b.good))

	if b.dense {
		addr := make(Address, len(b.fields))
		all := UnspecifiedAddress(len(b.fields))
		for {
			label := "-"
			if e, ok := b.good[b.Key(addr)]; ok {
				label = b.slotLabel(e)
			}
			parts = append(parts, b.Key(addr)+":"+label)
			if !b.increment(all, addr) {
				break
			}
		}
	} else {
		for _, e := range b.sortedGood() {
			parts = append(parts, b.Key(e.addr)+":"+b.slotLabel(e))
		}
	}

	s := fmt.Sprintf("%s: {%s}", b.header(), strings.Join(parts, ","))

	if len(b.bad) > 0 {
		bad := make([]string, 0, len(b.bad))
		for _, k := range b.sortedBadKeys() {
			bad = append(bad, k+":"+b.bad[k].Name())
		}
		s += fmt.Sprintf("  {bad: %s}", strings.Join(bad, ","))
	}

	return s
}

// Long returns a multi-line description with full device parameters.
func (b *Bus) Long() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Bus %s, type=%s, aobject=%s\n", b.id, b.kind, b.aobject)
	fmt.Fprintf(&sb, "  Slots (%s):\n", strings.Join(b.fields, ","))

	for _, e := range b.sortedGood() {
		if e.dev == nil {
			fmt.Fprintf(&sb, "    %s: reserved\n", b.Key(e.addr))
		} else {
			fmt.Fprintf(&sb, "    %s: %s %s\n", b.Key(e.addr), e.dev.Name(), e.dev.Params().Join())
		}
	}

	if len(b.bad) > 0 {
		sb.WriteString("  Bad slots:\n")
		for _, k := range b.sortedBadKeys() {
			fmt.Fprintf(&sb, "    %s: %s %s\n", k, b.bad[k].Name(), b.bad[k].Params().Join())
		}
	}

	return sb.String()
}
