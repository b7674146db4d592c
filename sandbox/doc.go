// Package sandbox provides the container-runtime capability layer.
//
// The sandbox package owns raw container handles. It provisions isolated,
// resource-bounded containers (memory ceiling, CPU quota, network disabled
// by default, all capabilities dropped), executes commands inside them as
// fresh processes, and enumerates label-tagged containers so the session
// registry can be rebuilt after a restart.
//
// Docker and Podman daemons are supported through the same API; there is
// deliberately no host-process execution path.
//
// Usage:
//
//	ctrl, err := sandbox.NewController(logger, cfg)
//	h, err := ctrl.Provision(ctx, sessionKey)
//	res, err := ctrl.RunCommand(ctx, h, []string{"python3", "/tmp/exec.py"}, 30*time.Second)
package sandbox
