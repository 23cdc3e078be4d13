package models

const (
	ChunkSeparator  = "\n\n"
	TruncationNote  = "\n\n[context truncated]"
	HistoryWindow   = 10
	MaxChunkChars   = 3000
	MinViewportText = 50
)

var (
	NoSpoilerInstruction = `You are a reading companion for the book the user is currently reading.
Answer only from the excerpt provided below, which covers what the user has read so far.
Never reveal, hint at, or speculate about events, characters, or information beyond the excerpt.
If the question cannot be answered from the excerpt, say the reader has not reached that part yet.`

	SuggestionPromptTemplate = `Here is an excerpt of "%s" covering what the reader has read so far:
<excerpt>
%s
</excerpt>
Suggest three short questions the reader could ask about this part of the book, one per line.
Do not mention anything outside the excerpt. Answer with the questions only.`
)
