package enginetest

import (
	"encoding/json"
	"fmt"
	"sync"

	"simrig/rpc"
	"simrig/session"
)

const (
	defaultSurface = "main"
	defaultForce   = "player"
)

// Call error codes, matching the control extension: 1 unknown method,
// 2 handler failure, 3 undecodable request.
const (
	codeUnknownMethod = 1
	codeCallFailed    = 2
	codeBadRequest    = 3
)

// callEnvelope is the fake's answer to one call. A nil Result is
// omitted, which readers treat the same as an explicit null.
type callEnvelope struct {
	Result any        `json:"result,omitempty"`
	Error  *rpc.Error `json:"error,omitempty"`
}

func callOK(v any) callEnvelope { return callEnvelope{Result: v} }

func callFail(code int, format string, args ...any) callEnvelope {
	return callEnvelope{Error: &rpc.Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// world is the fake's entity model: a flat unit-number registry plus a
// tile occupancy index per surface. One entity per tile, like the
// engine's collision rule for the building footprints tests place.
type world struct {
	mu       sync.Mutex
	nextUnit int64
	records  map[int64]*record
	occupied map[string]int64
}

type record struct {
	entity    session.Entity
	inventory map[string]int
}

func newWorld() *world {
	return &world{
		nextUnit: 1,
		records:  make(map[int64]*record),
		occupied: make(map[string]int64),
	}
}

func tileKey(surface string, p session.Position) string {
	return fmt.Sprintf("%s|%g|%g", surface, p.X, p.Y)
}

func (w *world) create(spec session.EntitySpec) *session.Entity {
	w.mu.Lock()
	defer w.mu.Unlock()

	surface := spec.Surface
	if surface == "" {
		surface = defaultSurface
	}
	key := tileKey(surface, spec.Position)
	if _, taken := w.occupied[key]; taken {
		return nil
	}

	direction := spec.Direction
	if direction == "" {
		direction = session.North
	}
	force := spec.Force
	if force == "" {
		force = defaultForce
	}

	entity := session.Entity{
		Name:       spec.Name,
		Position:   spec.Position,
		Direction:  direction,
		Force:      force,
		Surface:    surface,
		UnitNumber: w.nextUnit,
	}
	w.nextUnit++
	w.records[entity.UnitNumber] = &record{
		entity:    entity,
		inventory: make(map[string]int),
	}
	w.occupied[key] = entity.UnitNumber
	return &entity
}

func (w *world) find(topLeft, bottomRight session.Position, surface string) []session.Entity {
	if surface == "" {
		surface = defaultSurface
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	found := make([]session.Entity, 0)
	for _, rec := range w.records {
		e := rec.entity
		if e.Surface != surface {
			continue
		}
		if e.Position.X < topLeft.X || e.Position.X > bottomRight.X {
			continue
		}
		if e.Position.Y < topLeft.Y || e.Position.Y > bottomRight.Y {
			continue
		}
		found = append(found, e)
	}
	return found
}

func (w *world) insert(unit int64, stack session.ItemStack) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[unit]
	if !ok {
		return 0, fmt.Errorf("no entity with unit number %d", unit)
	}
	if stack.Count < 0 {
		return 0, fmt.Errorf("cannot insert %d items", stack.Count)
	}
	rec.inventory[stack.Name] += stack.Count
	return stack.Count, nil
}

func (w *world) contents(unit int64) (map[string]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[unit]
	if !ok {
		return nil, fmt.Errorf("no entity with unit number %d", unit)
	}
	out := make(map[string]int, len(rec.inventory))
	for name, count := range rec.inventory {
		out[name] = count
	}
	return out, nil
}

func (w *world) destroyAll(surface string) int {
	if surface == "" {
		surface = defaultSurface
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	destroyed := 0
	for unit, rec := range w.records {
		if rec.entity.Surface != surface {
			continue
		}
		delete(w.records, unit)
		delete(w.occupied, tileKey(surface, rec.entity.Position))
		destroyed++
	}
	return destroyed
}

// Entities returns every tracked entity, for test assertions that want
// to inspect the model without going through the protocol.
func (s *Server) Entities() []session.Entity {
	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	out := make([]session.Entity, 0, len(s.world.records))
	for _, rec := range s.world.records {
		out = append(out, rec.entity)
	}
	return out
}

func (s *Server) handleCall(req rpc.Request) callEnvelope {
	switch req.Method {
	case "step":
		var ticks int64
		if err := decodeParam(req.Params, 0, &ticks); err != nil {
			return callFail(codeBadRequest, "step: %v", err)
		}
		s.beginStep(ticks)
		return callOK(nil)

	case "create_entity":
		var spec session.EntitySpec
		if err := decodeParam(req.Params, 0, &spec); err != nil {
			return callFail(codeBadRequest, "create_entity: %v", err)
		}
		return callOK(s.world.create(spec))

	case "find_entities":
		var box [2]session.Position
		if err := decodeParam(req.Params, 0, &box); err != nil {
			return callFail(codeBadRequest, "find_entities: %v", err)
		}
		surface, err := optionalString(req.Params, 1)
		if err != nil {
			return callFail(codeBadRequest, "find_entities: %v", err)
		}
		return callOK(s.world.find(box[0], box[1], surface))

	case "insert_items":
		var entity session.Entity
		if err := decodeParam(req.Params, 0, &entity); err != nil {
			return callFail(codeBadRequest, "insert_items: %v", err)
		}
		var stack session.ItemStack
		if err := decodeParam(req.Params, 1, &stack); err != nil {
			return callFail(codeBadRequest, "insert_items: %v", err)
		}
		inserted, err := s.world.insert(entity.UnitNumber, stack)
		if err != nil {
			return callFail(codeCallFailed, "%v", err)
		}
		return callOK(inserted)

	case "get_inventory_contents":
		var entity session.Entity
		if err := decodeParam(req.Params, 0, &entity); err != nil {
			return callFail(codeBadRequest, "get_inventory_contents: %v", err)
		}
		contents, err := s.world.contents(entity.UnitNumber)
		if err != nil {
			return callFail(codeCallFailed, "%v", err)
		}
		return callOK(contents)

	case "destroy_all_entities":
		surface, err := optionalString(req.Params, 0)
		if err != nil {
			return callFail(codeBadRequest, "destroy_all_entities: %v", err)
		}
		return callOK(s.world.destroyAll(surface))

	case "test_echo":
		if len(req.Params) == 0 {
			return callOK(nil)
		}
		return callOK(req.Params[0])

	case "test_error":
		return callFail(codeCallFailed, "test_error always fails")

	case "test_nil":
		return callOK(nil)
	}
	return callFail(codeUnknownMethod, "unknown method %q", req.Method)
}

// decodeParam re-encodes a generic parameter and decodes it into a
// typed destination, the same shape change the extension's JSON
// bridge applies.
func decodeParam(params []any, i int, into any) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %d", i)
	}
	raw, err := json.Marshal(params[i])
	if err != nil {
		return fmt.Errorf("parameter %d: %w", i, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("parameter %d: %w", i, err)
	}
	return nil
}

func optionalString(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", nil
	}
	str, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("parameter %d: expected a string", i)
	}
	return str, nil
}
