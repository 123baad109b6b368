package domain

// Command is implemented by the three wire commands the pipeline
// ingests. EntityID and EntityType let the pipeline route a command to
// the right per-type, per-kind preprocessor chain without a type switch
// at every call site.
type Command interface {
	EntityID() UID
	EntityType() TypeTag
}

// CreateEntity is the wire command that ingests a brand-new entity.
type CreateEntity struct {
	ID             UID
	Type           TypeTag
	Delta          []byte
	ReplayToSource bool
}

func (c CreateEntity) EntityID() UID       { return c.ID }
func (c CreateEntity) EntityType() TypeTag { return c.Type }

// ModifyEntity is the wire command that appends a modified revision.
// TargetRevision, when non-zero, is the revision the caller last saw;
// Deletions names properties removed rather than changed.
type ModifyEntity struct {
	TargetRevision uint64
	ID             UID
	Deletions      []string
	Type           TypeTag
	Delta          []byte
	ReplayToSource bool
}

func (c ModifyEntity) EntityID() UID       { return c.ID }
func (c ModifyEntity) EntityType() TypeTag { return c.Type }

// DeleteEntity is the wire command that tombstones an entity.
type DeleteEntity struct {
	TargetRevision uint64
	ID             UID
	Type           TypeTag
	ReplayToSource bool
}

func (c DeleteEntity) EntityID() UID       { return c.ID }
func (c DeleteEntity) EntityType() TypeTag { return c.Type }
