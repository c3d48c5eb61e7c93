package ir

// LibraryVersion is reported by the CLI.
const LibraryVersion = "0.3.0"
