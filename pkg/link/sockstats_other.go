//go:build !linux

package link

import "errors"

// Stats mirrors the Linux TCP_INFO snapshot; TCP_INFO is Linux-specific,
// so other platforms report it unsupported rather than faking values.
type Stats struct{}

func (l *Link) Stats() (Stats, error) {
	return Stats{}, errors.New("socket stats unsupported on this platform")
}
