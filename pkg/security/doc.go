/*
Package security provides the at-rest encryption pkg/manager uses to
protect kernel environment variables (which routinely carry API keys,
database passwords, and other secrets a session's image needs) before
they are written to the raft-replicated store.

# Cluster encryption key

All encryption is rooted in a single 32-byte key, derived from an
operator-supplied cluster secret:

	clusterKey = SHA-256(clusterSecret)

SetClusterEncryptionKey installs it once per process, during manager
startup, before any kernel is created. The same secret must be
configured on every node in a cluster: a joining node derives the
identical key and can decrypt what the bootstrapping node encrypted.
The key lives only in memory; losing the secret means every
previously-encrypted environment value is unrecoverable.

# Encryption

Encrypt/Decrypt wrap AES-256-GCM, returning the nonce prepended to the
ciphertext. pkg/manager calls these per environment-variable value
around SchedulerFSM's CreateKernel/UpdateKernel commands, so the
plaintext only ever exists in memory -- the raft log and BoltDB store
hold ciphertext.
*/
package security
