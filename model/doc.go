// Package model defines the normalized request/response contract over
// heterogeneous language model providers and the Dispatcher that routes calls
// to them uniformly with per-call timeouts, bounded retries with exponential
// backoff, and optional fallback to a secondary model.
//
// Provider adapters (model/openai, model/anthropic) implement the Model
// interface; the rest of the framework only ever sees normalized Request and
// Response values, so providers can be added without touching the engine.
package model
