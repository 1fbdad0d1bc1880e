// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability detects repeated submissions at a receiving endpoint.

Submitters do not retry on their own, but an operator may resubmit a package
whose acknowledgement was lost. The receiver remembers the submit ids it has
accepted for a configurable window and rejects a second copy:

	detector := reliability.NewDuplicateDetector(24 * time.Hour)

	if !detector.Reserve(submitID) {
	    // reject as a duplicate
	}

	// when the submission is rejected for another reason
	detector.Release(submitID)

Reserve checks and marks in one step, so two copies arriving together
cannot both be accepted.

Entries older than the window are pruned while new ones are added, so the
detector needs no background goroutine.
*/
package reliability
