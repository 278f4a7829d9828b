// Package vaultfs redirects storage-backend operations through per-directory
// encryption contexts ("vaults") without the caller or the backend knowing
// that encryption is involved.
//
// Backend functionality is split into capabilities identified by a
// [FeatureType]: [Read], [Write], [List], [Delete], [Move], [Touch],
// [AttributesFinder] and [Directory]. A [Session] returns its native
// implementation of each.
//
// A [Registry] knows which vaults are open on a session and resolves, for
// any path, the deepest vault whose root contains it, or [NullVault]. With
// auto-discovery enabled it probes ancestor directories for a vault marker
// and opens vaults as it finds them.
//
// # Basic Usage
//
//	backend := local.NewWithFs(afero.NewMemMapFs(), "mem")
//	registry, err := vaultfs.NewRegistry(
//	    vaultfs.WithDiscovery(cryptovault.NewProber(), cryptovault.NewLoader(keys)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer registry.Shutdown()
//
//	fs := registry.Overlay(backend)
//
//	w, _ := vaultfs.FeatureOf[vaultfs.Write](fs, vaultfs.FeatureWrite)
//	out, err := w.Write(ctx, vaultfs.NewPath("/vault/notes.txt", vaultfs.TypeFile), vaultfs.NewTransferStatus())
//
// Inside /vault the content and names stored on the backend are encrypted;
// everywhere else the overlay behaves exactly like the backend.
//
// # Decorators
//
// [Registry.Overlay] wraps each capability in a registry decorator
// ([RegistryWrite], [RegistryRead], ...). Methods that take a path resolve
// the vault and delegate to the vault's version of the capability.
// Descriptor methods such as [Write.Checksum] go to the backend directly.
//
// # Errors
//
// Probe I/O failures wrap [ErrResolution] and are retried on the next
// lookup. Locked vaults report [ErrVaultUnavailable]; inconsistent path
// mappings report [ErrPathTranslation]. Backend errors pass through
// unchanged. Use [errors.Is] or the Is* helpers.
package vaultfs
