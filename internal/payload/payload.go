// Package payload resolves the body an endpoint signs and forwards from the
// body it received.
package payload

import (
	"fmt"
	"sort"
)

// Extractor names accepted in endpoint configuration.
const (
	None  = "none"
	Stego = "stego"
)

// Extractor turns a received body into the outbound body.
type Extractor interface {
	Name() string
	Extract(body []byte) ([]byte, error)
}

// Passthrough returns the received bytes unchanged.
type Passthrough struct {
	name string
}

// Name implements Extractor.
func (p Passthrough) Name() string { return p.name }

// Extract implements Extractor.
func (Passthrough) Extract(body []byte) ([]byte, error) {
	return body, nil
}

// Stego images carry their hidden payload in the pixel data, but no
// extraction scheme has been agreed with the backend yet, so the image
// itself is forwarded.
var registry = map[string]Extractor{
	None:  Passthrough{name: None},
	Stego: Passthrough{name: Stego},
}

// ForName returns the extractor registered under name.
func ForName(name string) (Extractor, error) {
	ex, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown payload extractor %q (known: %v)", name, Names())
	}
	return ex, nil
}

// Names lists the registered extractor names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
