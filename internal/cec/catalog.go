package cec

import "go.uber.org/zap"

// DefaultDetectCapacity is the initial discovery buffer size.
const DefaultDetectCapacity = 10

// Catalog wraps adapter discovery. It holds no state between calls.
type Catalog struct {
	engine   Engine
	capacity int
	logger   *zap.Logger
}

// NewCatalog creates a catalog that starts discovery with the given buffer
// capacity. A non-positive capacity selects DefaultDetectCapacity.
func NewCatalog(engine Engine, capacity int, logger *zap.Logger) *Catalog {
	if capacity <= 0 {
		capacity = DefaultDetectCapacity
	}
	return &Catalog{
		engine:   engine,
		capacity: capacity,
		logger:   logger.Named("catalog"),
	}
}

// ListAdapters returns the adapters the engine can see, in engine order.
// If the engine reports more adapters than fit in the initial buffer,
// detection is retried exactly once with a buffer of the reported size.
// An engine whose count keeps growing is truncated to that second buffer.
func (c *Catalog) ListAdapters() ([]AdapterDescriptor, error) {
	return c.list(c.capacity)
}

// ListAdaptersWithCapacity is ListAdapters with an explicit initial capacity.
func (c *Catalog) ListAdaptersWithCapacity(capacity int) ([]AdapterDescriptor, error) {
	if capacity <= 0 {
		capacity = c.capacity
	}
	return c.list(capacity)
}

func (c *Catalog) list(capacity int) ([]AdapterDescriptor, error) {
	buf := make([]AdapterDescriptor, capacity)
	count, err := c.engine.DetectAdapters(buf)
	if err != nil {
		return nil, &EngineError{Op: "detect adapters", Err: err}
	}

	if count > capacity {
		c.logger.Debug("Discovery buffer too small, retrying",
			zap.Int("capacity", capacity),
			zap.Int("reported", count))

		capacity = count
		buf = make([]AdapterDescriptor, capacity)
		count, err = c.engine.DetectAdapters(buf)
		if err != nil {
			return nil, &EngineError{Op: "detect adapters", Err: err}
		}
		if count > capacity {
			c.logger.Warn("Adapter count changed between detections, truncating",
				zap.Int("capacity", capacity),
				zap.Int("reported", count))
			count = capacity
		}
	}

	if count < 0 {
		count = 0
	}

	result := make([]AdapterDescriptor, count)
	copy(result, buf[:count])

	c.logger.Debug("Adapters detected", zap.Int("count", count))
	return result, nil
}
