// Package dedupe suppresses repeated agent reports within a time window.
//
// Agents resend completion reports after a reconnect because they cannot
// know whether the first copy arrived. The coordinator keys each report by
// agent, job and action and drops the ones a [Window] has already seen.
package dedupe
