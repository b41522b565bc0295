// Package event provides the CloudEvent envelope shared by every lakeflow
// component.
//
// # Overview
//
// Every unit of work in a pipeline consumes and produces the same JSON shape:
//
//	{
//	  "specversion": "1.0",
//	  "id": "...",
//	  "type": "document-created",
//	  "time": "...",
//	  "data": {
//	    "chainId": "...",
//	    "source":   {"url": "...", "type": "...", "size": 0, "etag": "..."},
//	    "document": {"url": "...", "type": "...", "size": 0, "etag": "..."},
//	    "metadata": {...},
//	    "callStack": ["..."]
//	  }
//	}
//
// Changing this shape is a breaking change for every collaborator.
//
// # Chains
//
// The chain identifier correlates every event derived from one originating
// trigger. It is assigned once at pipeline entry and propagated through
// Clone. Fan-out siblings share it:
//
//	root := event.New(event.DocumentCreated, src)
//	sibling := root.Clone()
//	sibling.Data.Document = translated
//	// sibling.ChainID() == root.ChainID()
//
// Only a reducer emitting an aggregate mints a new event id, and it may keep
// or replace the chain id depending on its policy.
//
// # Metadata
//
// Metadata is an open, mergeable object. Merge is recursive on nested
// objects and never removes keys the incoming side does not mention.
//
// # Attributes
//
// Attributes returns the event as a generic map so dotted paths such as
// "data.document.type" can be resolved by the condition and reference
// packages.
package event
