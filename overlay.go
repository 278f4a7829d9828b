package vaultfs

// Overlay returns a session whose capabilities are wrapped in registry
// decorators. Callers use it exactly like the backend session; paths
// inside an open or discoverable vault are encrypted transparently.
//
// The decorators are handed the backend session itself, so vault
// probing and vault-internal I/O bypass the overlay.
func (r *Registry) Overlay(session Session) Session {
	if o, ok := session.(*overlaySession); ok && o.registry == r {
		return o
	}
	return &overlaySession{backend: session, registry: r}
}

type overlaySession struct {
	backend  Session
	registry *Registry
}

func (s *overlaySession) ID() string {
	return s.backend.ID()
}

func (s *overlaySession) Feature(t FeatureType, proxy Capability) Capability {
	return s.registry.Decorate(s.backend, t, s.backend.Feature(t, proxy))
}

// Backend returns the wrapped session.
func (s *overlaySession) Backend() Session {
	return s.backend
}

// Decorate wraps proxy in the registry decorator for t. A proxy that does
// not implement the interface of t is returned unchanged.
func (r *Registry) Decorate(session Session, t FeatureType, proxy Capability) Capability {
	switch t {
	case FeatureRead:
		if p, ok := proxy.(Read); ok {
			return NewRegistryRead(session, p, r)
		}
	case FeatureWrite:
		if p, ok := proxy.(Write); ok {
			return NewRegistryWrite(session, p, r)
		}
	case FeatureList:
		if p, ok := proxy.(List); ok {
			return NewRegistryList(session, p, r)
		}
	case FeatureDelete:
		if p, ok := proxy.(Delete); ok {
			return NewRegistryDelete(session, p, r)
		}
	case FeatureMove:
		if p, ok := proxy.(Move); ok {
			return NewRegistryMove(session, p, r)
		}
	case FeatureTouch:
		if p, ok := proxy.(Touch); ok {
			return NewRegistryTouch(session, p, r)
		}
	case FeatureAttributes:
		if p, ok := proxy.(AttributesFinder); ok {
			return NewRegistryAttributes(session, p, r)
		}
	case FeatureDirectory:
		if p, ok := proxy.(Directory); ok {
			return NewRegistryDirectory(session, p, r)
		}
	}
	return proxy
}
