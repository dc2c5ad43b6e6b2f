// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state defines the shared state of an audit run and the reducers
// that fold node updates into it.
//
// # Model
//
// A WorkflowState is created once per run from its inputs. Nodes receive a
// cloned snapshot and return an Update. Only the executor applies updates,
// and only between waves, so no field of WorkflowState is guarded by a lock.
//
// # Reducers
//
//   - Findings, Opinions: concatenation in fold order. Consumers treat them
//     as sets.
//   - Flags: key-wise union. Keys are namespaced "<node-id>.<name>".
//   - Verdict: written once. A second write returns a *ConfigError.
//
// Every reducer is commutative up to sequence order, which is what allows
// sibling nodes of a wave to complete in any order.
package state
