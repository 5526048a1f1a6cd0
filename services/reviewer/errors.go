// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reviewer

import "errors"

var (
	// ErrReviewNotFound indicates no review proof exists for the package
	// version.
	ErrReviewNotFound = errors.New("no review found for this package version")

	// ErrAlreadyReviewed indicates a review proof already exists where a new
	// one was expected.
	ErrAlreadyReviewed = errors.New("package version already reviewed")

	// ErrSourceNotCached indicates the package source is absent from the
	// local registry cache. Building a project that depends on the version
	// populates the cache.
	ErrSourceNotCached = errors.New("package source not cached locally")

	// ErrInvalidReview indicates the submitted review failed validation.
	ErrInvalidReview = errors.New("invalid review")

	// ErrUnknownMethod indicates an RPC request named a method the server
	// does not implement.
	ErrUnknownMethod = errors.New("unknown request method")
)
