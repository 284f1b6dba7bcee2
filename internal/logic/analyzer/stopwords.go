package analyzer

// defaultStopwords covers English function words plus conversational filler
// common in assistant queries ("I need a new ...", "looking for ...").
var defaultStopwords = []string{
	"a", "about", "above", "after", "again", "all", "also", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before", "being",
	"below", "between", "both", "but", "by", "can", "could", "did", "do",
	"does", "doing", "down", "during", "each", "few", "find", "for", "from",
	"further", "get", "got", "had", "has", "have", "having", "he", "help",
	"her", "here", "hers", "him", "his", "how", "i", "if", "in", "into", "is",
	"it", "its", "just", "like", "looking", "me", "might", "more", "most",
	"must", "my", "myself", "need", "needs", "new", "no", "nor", "not", "now",
	"of", "off", "on", "once", "one", "only", "or", "other", "our", "ours",
	"out", "over", "own", "please", "really", "same", "she", "should", "show",
	"so", "some", "something", "such", "than", "that", "the", "their",
	"theirs", "them", "then", "there", "these", "they", "this", "those",
	"through", "to", "too", "under", "until", "up", "very", "want", "wants",
	"was", "we", "were", "what", "when", "where", "which", "while", "who",
	"whom", "why", "will", "with", "would", "you", "your", "yours",
}
