// Package console keeps one append-only log file per build. Lines the agent
// streams count as activity; server notes do not. When a job finishes its
// log is compressed to <buildID>.log.zst and the plain file removed. Read
// serves either form.
package console
