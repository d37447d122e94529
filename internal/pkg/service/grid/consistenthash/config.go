package consistenthash

type Config struct {
	NumSegments    int     `configKey:"numSegments" configUsage:"Number of segments, it must be the same on all nodes and cannot be changed." validate:"required,min=1,max=65536"`
	NumOwners      int     `configKey:"numOwners" configUsage:"Number of owners of each segment, the primary and backups." validate:"required,min=1,max=16"`
	CapacityFactor float64 `configKey:"capacityFactor" configUsage:"Capacity factor of the node, 0 means the node owns no data." validate:"min=0"`
	Factory        string  `configKey:"factory" configUsage:"Consistent hash factory: sync or default." validate:"required,oneof=sync default"`
}

func NewConfig() Config {
	return Config{
		NumSegments:    256,
		NumOwners:      2,
		CapacityFactor: 1.0,
		Factory:        FactoryTypeSync,
	}
}
