package blobfs

// Kind identifies the type of a node.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindImmutableFile
)

func (k Kind) String() string {
	switch k {
	case KindImmutableFile:
		return "immutable file"
	default:
		return "unknown"
	}
}

// Node is the lifecycle surface shared by filesystem nodes.
type Node interface {
	ID() uint64
	// Parent returns the directory holding the node.
	Parent() (Node, error)
	IncrementReference()
	DecrementReference()
	Kind() Kind
	// Terminate stops all background tracking of the node.
	Terminate()
}

// Graveyard accepts objects whose storage may be released.
type Graveyard interface {
	// QueueTombstone schedules an object for deletion. It must not block.
	QueueTombstone(storeID, objectID uint64)
}
