package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Position is a point on an engine surface.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Direction is one of the eight facings an entity can be placed with.
type Direction string

const (
	North     Direction = "north"
	NorthEast Direction = "northeast"
	East      Direction = "east"
	SouthEast Direction = "southeast"
	South     Direction = "south"
	SouthWest Direction = "southwest"
	West      Direction = "west"
	NorthWest Direction = "northwest"
)

// EntitySpec describes an entity to place. Empty Direction, Force, and
// Surface are omitted on the wire and filled with the engine's defaults
// (north, the player force, the primary surface).
type EntitySpec struct {
	Name      string    `json:"name"`
	Position  Position  `json:"position"`
	Direction Direction `json:"direction,omitempty"`
	Force     string    `json:"force,omitempty"`
	Surface   string    `json:"surface,omitempty"`
}

// Entity describes a placed entity as the engine reports it.
type Entity struct {
	Name       string    `json:"name"`
	Position   Position  `json:"position"`
	Direction  Direction `json:"direction,omitempty"`
	Force      string    `json:"force,omitempty"`
	Surface    string    `json:"surface,omitempty"`
	UnitNumber int64     `json:"unit_number,omitempty"`
}

// ItemStack is a named item count.
type ItemStack struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CreateEntities places a batch of entities, one concurrently
// outstanding call per spec over the multiplexed console. The result
// slice matches specs by index; a nil slot means that placement collided
// with something already on the surface. Any call error aborts the whole
// batch: every failure is logged and a combined error returned.
func (s *Session) CreateEntities(ctx context.Context, specs []EntitySpec) ([]*Entity, error) {
	placed := make([]*Entity, len(specs))
	callErrs := make([]error, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec EntitySpec) {
			defer wg.Done()
			var entity *Entity
			if err := s.Call(ctx, "create_entity", []any{spec}, &entity); err != nil {
				callErrs[i] = err
				return
			}
			placed[i] = entity
		}(i, spec)
	}
	wg.Wait()

	var failed []error
	for i, err := range callErrs {
		if err != nil {
			s.log.Error("entity creation failed",
				zap.String("entity", specs[i].Name), zap.Error(err))
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("create %d of %d entities: %w",
			len(failed), len(specs), errors.Join(failed...))
	}
	return placed, nil
}

// FindEntities returns the entities intersecting the box spanned by
// topLeft and bottomRight. An empty surface means the primary surface.
func (s *Session) FindEntities(ctx context.Context, topLeft, bottomRight Position, surface string) ([]Entity, error) {
	params := []any{[2]Position{topLeft, bottomRight}}
	if surface != "" {
		params = append(params, surface)
	}
	var found []Entity
	if err := s.Call(ctx, "find_entities", params, &found); err != nil {
		return nil, err
	}
	return found, nil
}

// InsertItems adds a stack to an entity's inventory and returns the
// count actually inserted, which may fall short of the request.
func (s *Session) InsertItems(ctx context.Context, entity Entity, stack ItemStack) (int, error) {
	var inserted int
	if err := s.Call(ctx, "insert_items", []any{entity, stack}, &inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

// InventoryContents returns an entity's inventory as item name → count.
func (s *Session) InventoryContents(ctx context.Context, entity Entity) (map[string]int, error) {
	var contents map[string]int
	if err := s.Call(ctx, "get_inventory_contents", []any{entity}, &contents); err != nil {
		return nil, err
	}
	return contents, nil
}

// DestroyAllEntities clears every entity from a surface. An empty
// surface means the primary surface.
func (s *Session) DestroyAllEntities(ctx context.Context, surface string) error {
	params := []any{}
	if surface != "" {
		params = append(params, surface)
	}
	return s.Call(ctx, "destroy_all_entities", params, nil)
}
