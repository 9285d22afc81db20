package codecache

// Tiered checks a fast store before a slow one and promotes hits.
type Tiered struct {
	Fast Store
	Slow Store
}

func (t *Tiered) Get(key string) (*Entry, bool) {
	if e, ok := t.Fast.Get(key); ok {
		return e, true
	}
	e, ok := t.Slow.Get(key)
	if ok {
		_ = t.Fast.Put(key, e)
	}
	return e, ok
}

// Put writes through both tiers.
func (t *Tiered) Put(key string, e *Entry) error {
	if err := t.Fast.Put(key, e); err != nil {
		return err
	}
	return t.Slow.Put(key, e)
}
