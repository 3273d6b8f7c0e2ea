package submission

import (
	"fmt"

	"github.com/vadiminshakov/subbridge/core/dto"
)

var itemTransitions = map[dto.Status]map[dto.Status]struct{}{
	dto.StatusPending: {
		dto.StatusProcessing: struct{}{},
	},
	dto.StatusProcessing: {
		dto.StatusSuccess: struct{}{},
		dto.StatusPending: struct{}{},
		dto.StatusFailed:  struct{}{},
	},
}

// advance moves item to next if the item state machine allows it.
func advance(item *dto.QueueItem, next dto.Status) error {
	if allowed, ok := itemTransitions[item.Status]; ok {
		if _, ok = allowed[next]; ok {
			item.Status = next
			return nil
		}
	}

	return fmt.Errorf("invalid item transition %s -> %s", item.Status, next)
}
