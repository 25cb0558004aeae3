package mtpcore

import "context"

// Context is the execution context threaded through collaborator calls
// (session dispatch, config loaders, persistence sinks).
type Context = context.Context
