package memory

// summaryPrompt asks the model to compress a conversation prefix into prose.
const summaryPrompt = `Summarize the following conversation between a user and a Kubernetes operations assistant. Preserve concrete facts: cluster names, namespaces, resource names, error messages, and the outcome of any actions taken. Respond with the summary text only.

Conversation:
%s`

// extractionPrompt asks the model for durable facts worth remembering across
// sessions, as a JSON array.
const extractionPrompt = `Review the following conversation and extract facts worth remembering for future sessions: stable cluster details, user preferences, recurring problems, and resolutions that worked.

Return a JSON array of objects with this shape:
[{"type": "semantic", "content": "...", "tags": ["..."]}]

Valid types are "semantic" (facts), "episodic" (what happened), and "procedural" (how to do things). Return an empty array [] if nothing is worth keeping. Return only the JSON array.

Conversation:
%s`
