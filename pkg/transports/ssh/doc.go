// Package ssh runs the network backend on a remote macOS host.
//
// A Client holds one SSH connection, dialed lazily and redialed once if it
// drops. Runner executes commands over it and stages identity files into
// Config.StagingDir with SFTP:
//
//	client, err := ssh.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	gw := gateway.New(ssh.NewRunner(client, true))
//
// Errors are *TransportError values; Temporary reports whether a retry may
// help. Authentication and host key failures are never temporary.
package ssh
