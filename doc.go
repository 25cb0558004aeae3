// Package mtpcore implements the client-side MTProto instance core: the
// dispatch and control layer that multiplexes application requests across
// per-data-center sessions, drives an error-driven control plane (DC
// migration, flood-wait backoff, guest-DC auth export/import, layer
// renegotiation, dependent-request waits), owns the persistent auth key
// lifecycle, and runs the periodic configuration refresh loop.
//
// mtpcore is a library, not a service. Construct one with instance.New,
// hand it a Session factory and a handful of narrow collaborator
// interfaces (DCBook, ConfigLoader, SettingsSink, KeyStoreSink), and call
// Send/Cancel/State from application code.
//
// # Architecture
//
// The root package holds the collaborator interfaces and shared types
// that every subsystem package (reqtable, dcregistry, sessions,
// keyregistry, scheduler, errpolicy, configctl, destroyer, instance)
// depends on, breaking the import cycle the same way this codebase's own
// root package separates itself from its subsystem packages.
package mtpcore
