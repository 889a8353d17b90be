package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

// QueueKind selects one of the device queues.
type QueueKind int

const (
	QueueGraphics QueueKind = iota
	QueuePresent
	// QueueTransfer is a transfer-only queue when the adapter has one, and
	// the graphics queue otherwise.
	QueueTransfer
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueuePresent:
		return "present"
	case QueueTransfer:
		return "transfer"
	}
	return "unknown"
}

type QueueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
	TransferFamily *int
}

func (i QueueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil && i.TransferFamily != nil
}

// Family returns the family index serving kind. It panics on incomplete
// indices.
func (i QueueFamilyIndices) Family(kind QueueKind) int {
	switch kind {
	case QueuePresent:
		return *i.PresentFamily
	case QueueTransfer:
		return *i.TransferFamily
	}
	return *i.GraphicsFamily
}

// Unique returns the distinct family indices in graphics, present, transfer
// order.
func (i QueueFamilyIndices) Unique() []int {
	var unique []int
	for _, family := range []*int{i.GraphicsFamily, i.PresentFamily, i.TransferFamily} {
		if family == nil {
			continue
		}
		seen := false
		for _, u := range unique {
			if u == *family {
				seen = true
				break
			}
		}
		if !seen {
			unique = append(unique, *family)
		}
	}
	return unique
}

// FindQueueFamilies picks a graphics family, a family that can present to
// surface (preferring the graphics one) and a transfer family (preferring a
// dedicated one).
func FindQueueFamilies(device gpu.PhysicalDevice, surface gpu.Surface) (QueueFamilyIndices, error) {
	indices := QueueFamilyIndices{}
	families := device.QueueFamilies()

	for familyIdx, family := range families {
		if family.Flags&core1_0.QueueGraphics != 0 && indices.GraphicsFamily == nil {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = familyIdx
		}
	}

	if indices.GraphicsFamily != nil {
		supported, err := device.SurfaceSupport(surface, *indices.GraphicsFamily)
		if err != nil {
			return indices, errors.Wrap(err, "surface support query")
		}
		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = *indices.GraphicsFamily
		}
	}

	for familyIdx, family := range families {
		if indices.PresentFamily == nil {
			supported, err := device.SurfaceSupport(surface, familyIdx)
			if err != nil {
				return indices, errors.Wrap(err, "surface support query")
			}
			if supported {
				indices.PresentFamily = new(int)
				*indices.PresentFamily = familyIdx
			}
		}

		dedicated := family.Flags&core1_0.QueueTransfer != 0 &&
			family.Flags&(core1_0.QueueGraphics|core1_0.QueueCompute) == 0
		if dedicated && indices.TransferFamily == nil {
			indices.TransferFamily = new(int)
			*indices.TransferFamily = familyIdx
		}
	}

	if indices.TransferFamily == nil && indices.GraphicsFamily != nil {
		indices.TransferFamily = new(int)
		*indices.TransferFamily = *indices.GraphicsFamily
	}

	return indices, nil
}
