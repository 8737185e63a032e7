// Package artifact stores files an agent publishes for a build and
// validates each one against the checksum record the agent sent before
// uploading. A mismatching file is rejected and removed; unknown paths and
// a missing record only produce warnings. Downloads are served from the
// same tree.
package artifact
