// Package videoproc is the video-processing pipeline built on the replay
// engine: a transcode fan-out/fan-in, a human approval step raced against a
// timeout, and a periodic task that runs forever through continue-as-new.
//
// Orchestrators and activities are registered by name with Register.
// Activities receive their configuration and collaborators (mail sender,
// approval store) at construction time.
package videoproc
