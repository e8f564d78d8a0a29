/*
Package calibration derives per-label percentile calibrations from the
raw model scores stored on library files.

Each (model, head, label) triple gets its own sparse histogram and its
own p5/p95 cut points — complementary labels of a binary head are never
merged into one distribution. Drift between consecutive generations is
recorded as append-only history with APD, SRD, and Jensen-Shannon
divergence metrics.
*/
package calibration
