package container

import (
	"context"
	"fmt"

	"github.com/crucible-run/engine/internal/imagepull"
)

// ProxmoxTemplateSource implements imagepull.Source over a Proxmox
// node's storage content API, treating an imageRef as a storage content
// id (e.g. "local:vztmpl/debian-12.tar.zst"). This is the production
// Source behind container.Backend.SetImagePuller: without it, Prepare's
// pull step has nowhere to fetch a non-default template from (spec
// §4.2's "prepare pulls the image if absent").
type ProxmoxTemplateSource struct {
	client *proxmoxClient
}

// DefaultImageSource returns the ProxmoxTemplateSource backed by this
// Backend's own Proxmox client, for wiring into SetImagePuller.
func (b *Backend) DefaultImageSource() imagepull.Source {
	return &ProxmoxTemplateSource{client: b.client}
}

// FetchImage downloads imageRef from Proxmox storage to destPath.
func (s *ProxmoxTemplateSource) FetchImage(ctx context.Context, imageRef, destPath string) error {
	if err := s.client.downloadTemplate(ctx, imageRef, destPath); err != nil {
		return fmt.Errorf("fetch proxmox template %q: %w", imageRef, err)
	}
	return nil
}
