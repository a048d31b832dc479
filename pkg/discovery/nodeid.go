package discovery

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Test kinds inferred from a node identifier's structure.
const (
	KindFunction = "function"
	KindMethod   = "method"
	KindClass    = "class"
	KindUnknown  = "unknown"
)

// itemFromNodeID builds a TestItem from a collected node identifier of the
// shape path[::segment]*. Zero extra segments yields kind unknown with the
// whole identifier as the name. One segment is a class when it carries the
// Test prefix without looking like a function, otherwise a function. Two
// segments is a method qualified by its class.
func itemFromNodeID(nodeID string, index int) TestItem {
	parts := strings.Split(nodeID, "::")
	path := parts[0]

	moduleName := strings.TrimSuffix(filepath.Base(path), ".py")

	item := TestItem{
		ID:         newItemID(index),
		Name:       nodeID,
		Path:       path,
		NodeID:     nodeID,
		Type:       KindUnknown,
		ModuleName: moduleName,
	}

	switch len(parts) {
	case 2:
		item.Name = parts[1]

		if strings.HasPrefix(parts[1], "Test") && !strings.HasPrefix(parts[1], "test_") {
			item.Type = KindClass
		} else {
			item.Type = KindFunction
		}
	case 3:
		item.ClassName = parts[1]
		item.Name = parts[2]
		item.Type = KindMethod
	}

	return item
}

// newItemID returns a fresh discovery-scoped test id. Ids are not stable
// across discovery calls.
func newItemID(index int) string {
	return fmt.Sprintf("test_%d_%s", index, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
