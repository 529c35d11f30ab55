package memcache

// Item is a single stored value, as returned by Gets. CAS holds the
// token Gets read; zero means "no CAS token available". Expiration is
// not filled in by Gets.
type Item struct {
	Key        string
	Value      any
	Expiration int32
	CAS        uint64
}
