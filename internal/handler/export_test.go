package handler

// RespondError exposes respondError to the external test package.
var RespondError = respondError
