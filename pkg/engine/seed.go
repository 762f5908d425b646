// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"time"
)

// DeriveStepSeed computes a step's deterministic seed: the full 32-byte
// SHA-256 digest of baseSeed concatenated with the step's topological
// index as a little-endian uint64, hex-encoded (P1; the full-digest vs.
// truncated-seed choice is a locked design decision — see SPEC_FULL.md
// §9 decision 3). Skills wanting 64 bits of seed material take the first
// 8 bytes of the returned hex string's decoded form themselves.
func DeriveStepSeed(baseSeed string, stepIndex int) string {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], uint64(stepIndex))

	h := sha256.New()
	h.Write([]byte(baseSeed))
	h.Write(idx[:])
	return hex.EncodeToString(h.Sum(nil))
}

// backoffWithJitter computes the delay before a retry attempt: an
// exponentially growing base (doubling per attempt, mirroring the
// teacher's BackoffMultiplier) plus jitter drawn deterministically from
// the step's seed and attempt number rather than a wall-clock or
// unseeded math/rand source — required for P3 replay identity, since an
// unseeded jitter would make two runs of the same seed sleep for
// different durations without changing any observable output (a subtle
// determinism leak the redesign note in §9 calls out explicitly).
func backoffWithJitter(stepSeed string, attempt int, baseMS int64) time.Duration {
	if baseMS <= 0 {
		baseMS = 1000
	}
	base := baseMS
	for i := 1; i < attempt; i++ {
		base *= 2
	}

	rng := jitterSource(stepSeed, attempt)
	// +/- 20% jitter around base, never negative.
	jitterRange := float64(base) * 0.2
	jitter := (rng.Float64()*2 - 1) * jitterRange

	total := float64(base) + jitter
	if total < 0 {
		total = 0
	}
	return time.Duration(total) * time.Millisecond
}

// jitterSource derives a seeded PCG source from stepSeed and attempt so
// backoff jitter is reproducible given the same base seed and step
// index, without reaching for the wall clock or an unseeded global
// generator.
func jitterSource(stepSeed string, attempt int) *rand.Rand {
	h := sha256.New()
	h.Write([]byte(stepSeed))
	var a [8]byte
	binary.LittleEndian.PutUint64(a[:], uint64(attempt))
	h.Write(a[:])
	sum := h.Sum(nil)

	seed1 := binary.LittleEndian.Uint64(sum[0:8])
	seed2 := binary.LittleEndian.Uint64(sum[8:16])
	return rand.New(rand.NewPCG(seed1, seed2))
}
