package store

// DefaultSeedDocuments returns the shared demo corpus served to
// unauthenticated sessions and used as the document fallback when the remote
// vector store is unreachable.
func DefaultSeedDocuments() []SeedDocument {
	return []SeedDocument{
		{
			Source:  "dependency-mapping.md",
			ChunkID: "demo-doc-1",
			Content: "Engineering owns dependency mapping for project alpha and reviews the dependency graph during weekly planning.",
		},
		{
			Source:  "ingestion-pipeline-notes.md",
			ChunkID: "demo-doc-2",
			Content: "Uploaded files are parsed, chunked into overlapping windows, embedded, and stored for private document retrieval.",
		},
		{
			Source:  "netflix-catalog-overview.md",
			ChunkID: "demo-doc-3",
			Content: "The shared catalog mirrors a slice of the Netflix graph with titles, people, genres, and rating relationships.",
		},
	}
}

// DefaultSeedEdges returns the shared graph corpus used when no remote graph
// database is configured or reachable.
func DefaultSeedEdges() []GraphEdge {
	return []GraphEdge{
		{
			Source:       "project alpha",
			Relationship: "DEPENDS_ON",
			Target:       "vector-db",
			Evidence:     "dependency graph for project alpha lists vector-db as a direct build dependency",
		},
		{
			Source:       "Dick Johnson Is Dead",
			Relationship: "DIRECTED_BY",
			Target:       "Kirsten Johnson",
			Evidence:     "Netflix credits Kirsten Johnson as the director of Dick Johnson Is Dead",
		},
		{
			Source:       "Dick Johnson Is Dead",
			Relationship: "LISTED_ON",
			Target:       "Netflix",
			Evidence:     "the documentary Dick Johnson Is Dead streams on Netflix",
		},
	}
}
