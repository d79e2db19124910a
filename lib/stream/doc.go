// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream defines the structured event vocabulary shared by the
// session manager, the event bus, and the council orchestrator.
//
// An Event is a closed tagged union: the Type field selects exactly one
// of the variant pointers. New variants are added here, never as ad hoc
// payload maps — consumers switch over EventType and the compiler keeps
// the variant set in one place.
//
// Events are always associated with a session, but the session id
// travels alongside the event (as a bus argument, a journal filename,
// an API envelope field), never inside it.
package stream
