// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

// Tag-key registry. Every tag key this system reads or writes is declared
// here, namespaced, so the literal strings exist in exactly one place.
const (
	tagNamespace = "sweepforge."

	// TagStudyKeyHash is the authoritative study identity on a parent
	// (sweep) run and on every trial/refit run under it.
	TagStudyKeyHash = tagNamespace + "study_key_hash"

	// TagStudyFamilyKeyHash groups studies across minor search-space
	// bound edits.
	TagStudyFamilyKeyHash = tagNamespace + "study_family_key_hash"

	// TagTrialKeyHash identifies one concrete hyperparameter assignment.
	TagTrialKeyHash = tagNamespace + "trial_key_hash"

	// TagSchemaVersion records which key schema produced the hashes
	// ("v1" or "v2").
	TagSchemaVersion = tagNamespace + "schema_version"

	// TagBackbone is the base model identifier on trial and refit runs.
	TagBackbone = tagNamespace + "backbone"

	// TagTrialNumber is the trial ordinal within its study.
	TagTrialNumber = tagNamespace + "trial_number"

	// TagRefitOfTrialRunID is the explicit linkage tag: set on a refit
	// run, pointing at the trial run it refits.
	TagRefitOfTrialRunID = tagNamespace + "refit_of_trial_run_id"

	// TagRefitProtocolFP confirms a refit used the same data + training
	// recipe as its parent trial.
	TagRefitProtocolFP = tagNamespace + "refit_protocol_fp"

	// TagStage marks the run's role in the pipeline.
	TagStage = tagNamespace + "stage"

	// TagArtifactAvailable marks a run whose checkpoint artifact was
	// uploaded successfully. Missing or non-"true" means not available.
	TagArtifactAvailable = tagNamespace + "artifact_available"
)

// Stage values for TagStage.
const (
	StageSweep = "hpo_sweep"
	StageTrial = "hpo_trial"
	StageRefit = "hpo_refit"
)

// ArtifactAvailableTrue is the only value of TagArtifactAvailable treated as
// available. Anything else, including absence, means not available.
const ArtifactAvailableTrue = "true"

// backfillableTags are the identity-carrier keys that may still be written
// after a run terminates: the linkage tag on a refit and the study key hash
// back-filled onto an old-format parent.
var backfillableTags = map[string]bool{
	TagRefitOfTrialRunID:  true,
	TagStudyKeyHash:       true,
	TagSchemaVersion:      true,
	TagStudyFamilyKeyHash: true,
}

// Backfillable reports whether the tag key may be written on a terminated
// run.
func Backfillable(key string) bool {
	return backfillableTags[key]
}
