// Package catalog holds the static protocol lookup table mapping symbolic
// message/component/command names to the numeric ids used on the bus. The
// table is built once at startup and is read-only afterwards.
package catalog

// Well-known ids the collector itself depends on. Everything else in the
// table is opaque pass-through for the external protocol layer.
const (
	MessageTypeCommand uint8 = 0
	MessageTypeStatus  uint8 = 1
	MessageTypeRequest uint8 = 2

	ComponentTypeSystem uint8 = 0

	CommandPing    uint8 = 1
	CommandPong    uint8 = 2
	CommandSetTime uint8 = 3

	ValueTypeUint24 uint8 = 3
)

// Catalog resolves symbolic protocol names to numeric ids. Implementations
// are immutable once constructed.
type Catalog interface {
	MessageType(name string) (uint8, bool)
	ComponentType(name string) (uint8, bool)
	Command(name string) (uint8, bool)
	ValueType(name string) (uint8, bool)
	CommandName(id uint8) (string, bool)
}

type StaticCatalog struct {
	messageTypes   map[string]uint8
	componentTypes map[string]uint8
	commands       map[string]uint8
	valueTypes     map[string]uint8
	commandNames   map[uint8]string
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds the default table. Callers may extend it with
// protocol-specific entries before first use; after that it must be treated
// as frozen.
func NewStaticCatalog() *StaticCatalog {
	c := &StaticCatalog{
		messageTypes: map[string]uint8{
			"COMMAND": MessageTypeCommand,
			"STATUS":  MessageTypeStatus,
			"REQUEST": MessageTypeRequest,
		},
		componentTypes: map[string]uint8{
			"SYSTEM": ComponentTypeSystem,
		},
		commands: map[string]uint8{
			"PING":     CommandPing,
			"PONG":     CommandPong,
			"SET_TIME": CommandSetTime,
		},
		valueTypes: map[string]uint8{
			"NONE":   0,
			"UINT8":  1,
			"UINT16": 2,
			"UINT24": ValueTypeUint24,
			"INT32":  4,
		},
	}
	c.commandNames = make(map[uint8]string, len(c.commands))
	for name, id := range c.commands {
		c.commandNames[id] = name
	}
	return c
}

// AddComponentType registers an additional component type. Only valid during
// startup, before the catalog is shared.
func (c *StaticCatalog) AddComponentType(name string, id uint8) {
	c.componentTypes[name] = id
}

// AddCommand registers an additional command. Only valid during startup.
func (c *StaticCatalog) AddCommand(name string, id uint8) {
	c.commands[name] = id
	c.commandNames[id] = name
}

func (c *StaticCatalog) MessageType(name string) (uint8, bool) {
	id, ok := c.messageTypes[name]
	return id, ok
}

func (c *StaticCatalog) ComponentType(name string) (uint8, bool) {
	id, ok := c.componentTypes[name]
	return id, ok
}

func (c *StaticCatalog) Command(name string) (uint8, bool) {
	id, ok := c.commands[name]
	return id, ok
}

func (c *StaticCatalog) ValueType(name string) (uint8, bool) {
	id, ok := c.valueTypes[name]
	return id, ok
}

func (c *StaticCatalog) CommandName(id uint8) (string, bool) {
	name, ok := c.commandNames[id]
	return name, ok
}
